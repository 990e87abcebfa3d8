package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"example.com/klyne-ingest/internal/domain"
)

// Unavailable wraps a driver error as ErrUnavailable, unless the caller's
// context ended, in which case the context error is kept as the cause.
func Unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// NullIfEmpty maps "" to SQL NULL.
func NullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// NullInt maps a nil pointer to SQL NULL.
func NullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

// EncodeObject renders a free-form object as JSON text, nil for NULL.
func EncodeObject(o domain.Object) (any, error) {
	if o == nil {
		return nil, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// DecodeObject parses JSON text from a nullable column.
func DecodeObject(b []byte) (domain.Object, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var o domain.Object
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, err
	}
	return o, nil
}

// IntPtr converts a nullable integer column.
func IntPtr(p *int64) *int {
	if p == nil {
		return nil
	}
	v := int(*p)
	return &v
}
