package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"example.com/klyne-ingest/internal/domain"
	"example.com/klyne-ingest/internal/storage"
)

func (db *DB) LookupAPIKey(ctx context.Context, key string) (domain.APIKey, error) {
	var k domain.APIKey
	err := db.Pool.QueryRow(ctx, `
SELECT id, key, package_name, active, COALESCE(description, ''), created_at
FROM api_keys WHERE key = $1`, key).Scan(
		&k.ID, &k.Key, &k.PackageName, &k.Active, &k.Description, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.APIKey{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, storage.Unavailable("lookup api key", err)
	}
	k.CreatedAt = k.CreatedAt.UTC()
	return k, nil
}

func (db *DB) CreateAPIKey(ctx context.Context, k domain.APIKey) (domain.APIKey, error) {
	err := db.Pool.QueryRow(ctx, `
INSERT INTO api_keys (key, package_name, active, description)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`,
		k.Key, k.PackageName, k.Active, storage.NullIfEmpty(k.Description)).Scan(&k.ID, &k.CreatedAt)
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("create api key: %w", err)
	}
	k.CreatedAt = k.CreatedAt.UTC()
	return k, nil
}

func (db *DB) SetAPIKeyActive(ctx context.Context, id int64, active bool) error {
	ct, err := db.Pool.Exec(ctx, "UPDATE api_keys SET active = $1 WHERE id = $2", active, id)
	if err != nil {
		return storage.Unavailable("update api key", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("api key %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (db *DB) ListAPIKeys(ctx context.Context, packageName string) ([]domain.APIKey, error) {
	sql := "SELECT id, key, package_name, active, COALESCE(description, ''), created_at FROM api_keys"
	var args []any
	if packageName != "" {
		sql += " WHERE package_name = $1"
		args = append(args, packageName)
	}
	sql += " ORDER BY id ASC"

	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storage.Unavailable("list api keys", err)
	}
	defer rows.Close()

	var out []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		if err := rows.Scan(&k.ID, &k.Key, &k.PackageName, &k.Active, &k.Description, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		k.CreatedAt = k.CreatedAt.UTC()
		out = append(out, k)
	}
	return out, rows.Err()
}
