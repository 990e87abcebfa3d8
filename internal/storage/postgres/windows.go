package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/klyne-ingest/internal/storage"
)

// The conditional DO UPDATE holds the row lock for the compare and the
// increment, so concurrent callers cannot both pass the ceiling. A rejected
// update returns no row.
const incrementWindowSQL = `
INSERT INTO rate_limit_windows AS w (api_key_id, window_start, event_count)
VALUES ($1, $2, $3)
ON CONFLICT (api_key_id, window_start) DO UPDATE
  SET event_count = w.event_count + EXCLUDED.event_count
  WHERE w.event_count + EXCLUDED.event_count <= $4
RETURNING event_count`

func (db *DB) IncrementWindow(ctx context.Context, keyID int64, windowStart time.Time, n, limit int64) (int64, bool, error) {
	var count int64
	err := db.Pool.QueryRow(ctx, incrementWindowSQL, keyID, windowStart.Unix(), n, limit).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := db.WindowUsage(ctx, keyID, windowStart)
		return current, false, err
	}
	if err != nil {
		return 0, false, storage.Unavailable("increment window", err)
	}
	return count, true, nil
}

func (db *DB) WindowUsage(ctx context.Context, keyID int64, windowStart time.Time) (int64, error) {
	var count int64
	err := db.Pool.QueryRow(ctx,
		"SELECT event_count FROM rate_limit_windows WHERE api_key_id = $1 AND window_start = $2",
		keyID, windowStart.Unix()).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storage.Unavailable("window usage", err)
	}
	return count, nil
}

// PurgeWindows deletes windows that started before the given time.
func (db *DB) PurgeWindows(ctx context.Context, before time.Time) (int64, error) {
	ct, err := db.Pool.Exec(ctx, "DELETE FROM rate_limit_windows WHERE window_start < $1", before.Unix())
	if err != nil {
		return 0, storage.Unavailable("purge windows", err)
	}
	return ct.RowsAffected(), nil
}
