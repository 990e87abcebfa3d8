package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"example.com/klyne-ingest/internal/storage"
)

// SQLite serialises writers, so the conditional upsert is atomic. A rejected
// update returns no row.
const incrementWindowSQL = `
INSERT INTO rate_limit_windows (api_key_id, window_start, event_count)
VALUES (?, ?, ?)
ON CONFLICT (api_key_id, window_start) DO UPDATE
  SET event_count = event_count + excluded.event_count
  WHERE event_count + excluded.event_count <= ?
RETURNING event_count`

func (s *DB) IncrementWindow(ctx context.Context, keyID int64, windowStart time.Time, n, limit int64) (int64, bool, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, incrementWindowSQL, keyID, windowStart.Unix(), n, limit).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		current, err := s.WindowUsage(ctx, keyID, windowStart)
		return current, false, err
	}
	if err != nil {
		return 0, false, storage.Unavailable("increment window", err)
	}
	return count, true, nil
}

func (s *DB) WindowUsage(ctx context.Context, keyID int64, windowStart time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT event_count FROM rate_limit_windows WHERE api_key_id = ? AND window_start = ?",
		keyID, windowStart.Unix()).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storage.Unavailable("window usage", err)
	}
	return count, nil
}

func (s *DB) PurgeWindows(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM rate_limit_windows WHERE window_start < ?", before.Unix())
	if err != nil {
		return 0, storage.Unavailable("purge windows", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Unavailable("purge windows", err)
	}
	return n, nil
}
