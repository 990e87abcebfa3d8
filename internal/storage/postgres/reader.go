package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"example.com/klyne-ingest/internal/domain"
	"example.com/klyne-ingest/internal/storage"
)

const selectEvent = `
SELECT
  id::text, api_key_id, session_id::text, package_name, package_version,
  python_version, COALESCE(python_implementation, ''), os_type,
  COALESCE(os_version, ''), COALESCE(os_release, ''), COALESCE(architecture, ''),
  COALESCE(installation_method, ''), virtual_env, COALESCE(virtual_env_type, ''),
  cpu_count, total_memory_gb, COALESCE(entry_point, ''), event_timestamp,
  extra_data, COALESCE(event_name, ''), properties, received_at
FROM analytics_events`

func (db *DB) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	var (
		ev             domain.Event
		rawID, rawSess string
		cpu, mem       *int64
		extra, props   []byte
	)
	err := db.Pool.QueryRow(ctx, selectEvent+" WHERE id = $1::uuid", id.String()).Scan(
		&rawID, &ev.APIKeyID, &rawSess, &ev.PackageName, &ev.PackageVersion,
		&ev.PythonVersion, &ev.PythonImplementation, &ev.OSType,
		&ev.OSVersion, &ev.OSRelease, &ev.Architecture,
		&ev.InstallationMethod, &ev.VirtualEnv, &ev.VirtualEnvType,
		&cpu, &mem, &ev.EntryPoint, &ev.EventTimestamp,
		&extra, &ev.EventName, &props, &ev.ReceivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, fmt.Errorf("event %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return domain.Event{}, storage.Unavailable("get event", err)
	}

	if ev.ID, err = uuid.Parse(rawID); err != nil {
		return domain.Event{}, fmt.Errorf("parse id: %w", err)
	}
	if ev.SessionID, err = uuid.Parse(rawSess); err != nil {
		return domain.Event{}, fmt.Errorf("parse session_id: %w", err)
	}
	ev.CPUCount = storage.IntPtr(cpu)
	ev.TotalMemoryGB = storage.IntPtr(mem)
	if ev.ExtraData, err = storage.DecodeObject(extra); err != nil {
		return domain.Event{}, fmt.Errorf("decode extra_data: %w", err)
	}
	if ev.Properties, err = storage.DecodeObject(props); err != nil {
		return domain.Event{}, fmt.Errorf("decode properties: %w", err)
	}
	ev.EventTimestamp = ev.EventTimestamp.UTC()
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	return ev, nil
}

// CountEvents counts stored events, optionally for one package ("" = all).
func (db *DB) CountEvents(ctx context.Context, packageName string) (int64, error) {
	sql := "SELECT COUNT(*)::bigint FROM analytics_events"
	var args []any
	if packageName != "" {
		sql += " WHERE package_name = $1"
		args = append(args, packageName)
	}
	var n int64
	if err := db.Pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, storage.Unavailable("count events", err)
	}
	return n, nil
}
