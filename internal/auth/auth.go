// Package auth resolves bearer tokens to API keys.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"example.com/klyne-ingest/internal/domain"
	"example.com/klyne-ingest/internal/storage"
)

var (
	// ErrUnauthenticated means no usable credential was presented.
	ErrUnauthenticated = errors.New("missing or malformed bearer token")
	// ErrUnauthorized means the credential is unknown or revoked.
	ErrUnauthorized = errors.New("invalid or inactive API key")
)

const redactedLen = 12

// ParseBearer extracts the token from an Authorization header value. The
// scheme is case-insensitive; the token must carry prefix.
func ParseBearer(header, prefix string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrUnauthenticated
	}
	token = strings.TrimSpace(token)
	if token == "" || !strings.HasPrefix(token, prefix) {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// Redact shortens a key for logs.
func Redact(key string) string {
	if len(key) <= redactedLen {
		return key
	}
	return key[:redactedLen] + "..."
}

type Authenticator struct {
	store  storage.APIKeys
	prefix string
	cache  *expirable.LRU[string, domain.APIKey]
	log    *zap.Logger
}

type Options struct {
	Prefix    string
	CacheSize int
	// CacheTTL of zero disables caching.
	CacheTTL time.Duration
}

func New(store storage.APIKeys, opts Options, log *zap.Logger) *Authenticator {
	if opts.Prefix == "" {
		opts.Prefix = domain.DefaultKeyPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Authenticator{store: store, prefix: opts.Prefix, log: log}
	if opts.CacheTTL > 0 {
		size := opts.CacheSize
		if size <= 0 {
			size = 1024
		}
		a.cache = expirable.NewLRU[string, domain.APIKey](size, nil, opts.CacheTTL)
	}
	return a
}

// Authenticate resolves an Authorization header to an active key.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (domain.APIKey, error) {
	token, err := ParseBearer(header, a.prefix)
	if err != nil {
		return domain.APIKey{}, err
	}
	if a.cache != nil {
		if k, ok := a.cache.Get(token); ok {
			return k, nil
		}
	}

	k, err := a.store.LookupAPIKey(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		a.log.Info("unknown api key", zap.String("key", Redact(token)))
		return domain.APIKey{}, ErrUnauthorized
	}
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("lookup api key: %w", err)
	}
	if !k.Active {
		a.log.Info("inactive api key", zap.String("key", Redact(token)), zap.Int64("key_id", k.ID))
		return domain.APIKey{}, ErrUnauthorized
	}
	if a.cache != nil {
		a.cache.Add(token, k)
	}
	return k, nil
}

