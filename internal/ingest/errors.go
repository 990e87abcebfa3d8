package ingest

import (
	"errors"
	"fmt"

	"example.com/klyne-ingest/internal/domain"
	"example.com/klyne-ingest/internal/ratelimit"
	"example.com/klyne-ingest/internal/storage"
)

var (
	ErrForbidden          = domain.ErrForbidden
	ErrStorageUnavailable = storage.ErrUnavailable
	ErrRejected           = storage.ErrRejected
)

// RateLimitError rejects a whole request.
type RateLimitError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d/%d in window", e.Decision.CurrentUsage, e.Decision.Limit)
}

// ValidationError lists every problem found in a single event or a batch
// envelope.
type ValidationError struct {
	Errors []domain.FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0].Error()
	}
	return fmt.Sprintf("validation failed: %d errors", len(e.Errors))
}

func asStorageError(err error) error {
	if errors.Is(err, storage.ErrUnavailable) || errors.Is(err, storage.ErrRejected) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
