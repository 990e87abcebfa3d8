// Package storage defines the persistence contract shared by the Postgres and
// SQLite backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"example.com/klyne-ingest/internal/domain"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable means the store could not be reached or a transaction
	// could not commit. Callers may retry.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrRejected means the store refused the submitted data itself.
	// Retrying the same write cannot succeed.
	ErrRejected = errors.New("data rejected by store")
)

// APIKeys is the read/write surface for API keys.
type APIKeys interface {
	LookupAPIKey(ctx context.Context, key string) (domain.APIKey, error)
	CreateAPIKey(ctx context.Context, key domain.APIKey) (domain.APIKey, error)
	SetAPIKeyActive(ctx context.Context, id int64, active bool) error
	ListAPIKeys(ctx context.Context, packageName string) ([]domain.APIKey, error)
}

// Events persists and reads analytics events.
type Events interface {
	// InsertEvents writes all events in one transaction and returns their
	// receipts in input order.
	InsertEvents(ctx context.Context, events []domain.Event) ([]domain.Receipt, error)
	GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error)
	CountEvents(ctx context.Context, packageName string) (int64, error)
}

// Windows holds fixed-window rate limit counters.
type Windows interface {
	// IncrementWindow adds n to the counter for (keyID, windowStart) only if
	// the result stays within limit. It returns the counter after the
	// operation and whether the increment was applied.
	IncrementWindow(ctx context.Context, keyID int64, windowStart time.Time, n, limit int64) (int64, bool, error)
	WindowUsage(ctx context.Context, keyID int64, windowStart time.Time) (int64, error)
	PurgeWindows(ctx context.Context, before time.Time) (int64, error)
}

// Store is everything the service needs from a backend.
type Store interface {
	APIKeys
	Events
	Windows
	Ready(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close()
}

// MaxEventsPerInsert bounds a single InsertEvents call.
const MaxEventsPerInsert = domain.MaxBatchSize
