package domain

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

const DefaultKeyPrefix = "klyne_"

// APIKey scopes ingestion to exactly one package. Keys are deactivated,
// never deleted, while historical events reference them.
type APIKey struct {
	ID          int64     `json:"id"`
	Key         string    `json:"key"`
	PackageName string    `json:"package_name"`
	Active      bool      `json:"active"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// GenerateKey returns prefix followed by 32 random bytes, URL-safe base64.
func GenerateKey(prefix string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
