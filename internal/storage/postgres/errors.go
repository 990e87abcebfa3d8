package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"example.com/klyne-ingest/internal/storage"
)

// writeErr classifies a failed write. Data exceptions (SQLSTATE class 22)
// mean the row itself was refused and are reported as storage.ErrRejected;
// everything else is storage.ErrUnavailable.
func writeErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "22") {
		return fmt.Errorf("%s: %w: %w", op, storage.ErrRejected, err)
	}
	return storage.Unavailable(op, err)
}
