package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"example.com/klyne-ingest/internal/domain"
	"example.com/klyne-ingest/internal/storage"
)

var eventColumns = []string{
	"id", "api_key_id", "session_id", "package_name", "package_version",
	"python_version", "python_implementation", "os_type", "os_version", "os_release",
	"architecture", "installation_method", "virtual_env", "virtual_env_type",
	"cpu_count", "total_memory_gb", "entry_point", "event_timestamp",
	"extra_data", "event_name", "properties",
}

// InsertEvents writes the batch as one multi-row INSERT inside a transaction.
// Ids are assigned here; received_at is the transaction's now().
func (db *DB) InsertEvents(ctx context.Context, items []domain.Event) ([]domain.Receipt, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if len(items) > storage.MaxEventsPerInsert {
		return nil, fmt.Errorf("insert events: %d exceeds max %d", len(items), storage.MaxEventsPerInsert)
	}

	ids := make([]uuid.UUID, len(items))
	placeholders := make([]string, 0, len(items))
	args := make([]any, 0, len(items)*len(eventColumns))

	argi := 1
	for i, ev := range items {
		ids[i] = uuid.New()

		extra, err := storage.EncodeObject(ev.ExtraData)
		if err != nil {
			return nil, fmt.Errorf("encode extra_data: %w", err)
		}
		props, err := storage.EncodeObject(ev.Properties)
		if err != nil {
			return nil, fmt.Errorf("encode properties: %w", err)
		}

		row := []any{
			ids[i].String(),
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
			ev.EventTimestamp,
			extra,
			storage.NullIfEmpty(ev.EventName),
			props,
		}

		ph := make([]string, len(row))
		for j := range row {
			switch eventColumns[j] {
			case "id", "session_id":
				ph[j] = fmt.Sprintf("$%d::uuid", argi)
			case "extra_data", "properties":
				ph[j] = fmt.Sprintf("$%d::jsonb", argi)
			default:
				ph[j] = fmt.Sprintf("$%d", argi)
			}
			argi++
		}
		args = append(args, row...)
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")
	}

	sql := "INSERT INTO analytics_events (" + strings.Join(eventColumns, ",") + ") VALUES " +
		strings.Join(placeholders, ",") +
		" RETURNING id::text, received_at"

	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, storage.Unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, writeErr("insert events", err)
	}
	received := make(map[string]time.Time, len(items))
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			rows.Close()
			return nil, storage.Unavailable("scan receipt", err)
		}
		received[id] = at
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, writeErr("insert events", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, writeErr("commit", err)
	}

	out := make([]domain.Receipt, len(items))
	for i, id := range ids {
		out[i] = domain.Receipt{ID: id, ReceivedAt: received[id.String()].UTC()}
	}
	return out, nil
}
