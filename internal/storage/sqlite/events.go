package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"example.com/klyne-ingest/internal/domain"
	"example.com/klyne-ingest/internal/storage"
)

const insertEventSQL = `
INSERT INTO analytics_events (
  id, api_key_id, session_id, package_name, package_version,
  python_version, python_implementation, os_type, os_version, os_release,
  architecture, installation_method, virtual_env, virtual_env_type,
  cpu_count, total_memory_gb, entry_point, event_timestamp,
  extra_data, event_name, properties, received_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *DB) InsertEvents(ctx context.Context, items []domain.Event) ([]domain.Receipt, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if len(items) > storage.MaxEventsPerInsert {
		return nil, fmt.Errorf("insert events: %d exceeds max %d", len(items), storage.MaxEventsPerInsert)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.Unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return nil, storage.Unavailable("prepare insert", err)
	}
	defer stmt.Close()

	receivedAt := s.now()
	out := make([]domain.Receipt, len(items))
	for i, ev := range items {
		extra, err := storage.EncodeObject(ev.ExtraData)
		if err != nil {
			return nil, fmt.Errorf("encode extra_data: %w", err)
		}
		props, err := storage.EncodeObject(ev.Properties)
		if err != nil {
			return nil, fmt.Errorf("encode properties: %w", err)
		}
		id := uuid.New()
		_, err = stmt.ExecContext(ctx,
			id.String(),
			ev.APIKeyID,
			ev.SessionID.String(),
			ev.PackageName,
			ev.PackageVersion,
			ev.PythonVersion,
			storage.NullIfEmpty(ev.PythonImplementation),
			ev.OSType,
			storage.NullIfEmpty(ev.OSVersion),
			storage.NullIfEmpty(ev.OSRelease),
			storage.NullIfEmpty(ev.Architecture),
			storage.NullIfEmpty(ev.InstallationMethod),
			ev.VirtualEnv,
			storage.NullIfEmpty(ev.VirtualEnvType),
			storage.NullInt(ev.CPUCount),
			storage.NullInt(ev.TotalMemoryGB),
			storage.NullIfEmpty(ev.EntryPoint),
			formatTime(ev.EventTimestamp),
			extra,
			storage.NullIfEmpty(ev.EventName),
			props,
			formatTime(receivedAt),
		)
		if err != nil {
			return nil, storage.Unavailable(fmt.Sprintf("insert event %d", i), err)
		}
		out[i] = domain.Receipt{ID: id, ReceivedAt: receivedAt}
	}

	if err := tx.Commit(); err != nil {
		return nil, storage.Unavailable("commit", err)
	}
	return out, nil
}

const selectEventSQL = `
SELECT
  id, api_key_id, session_id, package_name, package_version,
  python_version, COALESCE(python_implementation, ''), os_type,
  COALESCE(os_version, ''), COALESCE(os_release, ''), COALESCE(architecture, ''),
  COALESCE(installation_method, ''), virtual_env, COALESCE(virtual_env_type, ''),
  cpu_count, total_memory_gb, COALESCE(entry_point, ''), event_timestamp,
  extra_data, COALESCE(event_name, ''), properties, received_at
FROM analytics_events WHERE id = ?`

func (s *DB) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	var (
		ev                domain.Event
		rawID, rawSession string
		cpu, mem          sql.NullInt64
		extra, props      sql.NullString
		ts, received      string
	)
	err := s.db.QueryRowContext(ctx, selectEventSQL, id.String()).Scan(
		&rawID, &ev.APIKeyID, &rawSession, &ev.PackageName, &ev.PackageVersion,
		&ev.PythonVersion, &ev.PythonImplementation, &ev.OSType,
		&ev.OSVersion, &ev.OSRelease, &ev.Architecture,
		&ev.InstallationMethod, &ev.VirtualEnv, &ev.VirtualEnvType,
		&cpu, &mem, &ev.EntryPoint, &ts,
		&extra, &ev.EventName, &props, &received,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, fmt.Errorf("event %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return domain.Event{}, storage.Unavailable("get event", err)
	}

	if ev.ID, err = uuid.Parse(rawID); err != nil {
		return domain.Event{}, fmt.Errorf("parse id: %w", err)
	}
	if ev.SessionID, err = uuid.Parse(rawSession); err != nil {
		return domain.Event{}, fmt.Errorf("parse session_id: %w", err)
	}
	if ev.EventTimestamp, err = parseTime(ts); err != nil {
		return domain.Event{}, fmt.Errorf("parse event_timestamp: %w", err)
	}
	if ev.ReceivedAt, err = parseTime(received); err != nil {
		return domain.Event{}, fmt.Errorf("parse received_at: %w", err)
	}
	if cpu.Valid {
		ev.CPUCount = storage.IntPtr(&cpu.Int64)
	}
	if mem.Valid {
		ev.TotalMemoryGB = storage.IntPtr(&mem.Int64)
	}
	if extra.Valid {
		if ev.ExtraData, err = storage.DecodeObject([]byte(extra.String)); err != nil {
			return domain.Event{}, fmt.Errorf("decode extra_data: %w", err)
		}
	}
	if props.Valid {
		if ev.Properties, err = storage.DecodeObject([]byte(props.String)); err != nil {
			return domain.Event{}, fmt.Errorf("decode properties: %w", err)
		}
	}
	return ev, nil
}

func (s *DB) CountEvents(ctx context.Context, packageName string) (int64, error) {
	q := "SELECT COUNT(*) FROM analytics_events"
	var args []any
	if packageName != "" {
		q += " WHERE package_name = ?"
		args = append(args, packageName)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, storage.Unavailable("count events", err)
	}
	return n, nil
}
