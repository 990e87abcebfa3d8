package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"example.com/klyne-ingest/internal/domain"
	"example.com/klyne-ingest/internal/storage"
)

const apiKeyColumns = "id, key, package_name, active, COALESCE(description, ''), created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var (
		k       domain.APIKey
		created string
	)
	if err := row.Scan(&k.ID, &k.Key, &k.PackageName, &k.Active, &k.Description, &created); err != nil {
		return domain.APIKey{}, err
	}
	t, err := parseTime(created)
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("parse created_at: %w", err)
	}
	k.CreatedAt = t
	return k, nil
}

func (s *DB) LookupAPIKey(ctx context.Context, key string) (domain.APIKey, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+apiKeyColumns+" FROM api_keys WHERE key = ?", key)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, storage.Unavailable("lookup api key", err)
	}
	return k, nil
}

func (s *DB) CreateAPIKey(ctx context.Context, k domain.APIKey) (domain.APIKey, error) {
	k.CreatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO api_keys (key, package_name, active, description, created_at) VALUES (?, ?, ?, ?, ?)",
		k.Key, k.PackageName, k.Active, storage.NullIfEmpty(k.Description), formatTime(k.CreatedAt))
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("create api key: %w", err)
	}
	if k.ID, err = res.LastInsertId(); err != nil {
		return domain.APIKey{}, fmt.Errorf("create api key: %w", err)
	}
	return k, nil
}

func (s *DB) SetAPIKeyActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE api_keys SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return storage.Unavailable("update api key", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Unavailable("update api key", err)
	}
	if n == 0 {
		return fmt.Errorf("api key %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *DB) ListAPIKeys(ctx context.Context, packageName string) ([]domain.APIKey, error) {
	q := "SELECT " + apiKeyColumns + " FROM api_keys"
	var args []any
	if packageName != "" {
		q += " WHERE package_name = ?"
		args = append(args, packageName)
	}
	q += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storage.Unavailable("list api keys", err)
	}
	defer rows.Close()

	var out []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
