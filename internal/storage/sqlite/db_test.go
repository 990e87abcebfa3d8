package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/klyne-ingest/internal/storage/sqlite"
	"example.com/klyne-ingest/internal/storage/storagetest"
)

func openMemory(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestStore(t *testing.T) {
	storagetest.Run(t, openMemory(t))
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openMemory(t)
	require.NoError(t, db.Migrate(context.Background()))
	require.NoError(t, db.Ready(context.Background()))
}

func TestOpenFile(t *testing.T) {
	path := t.TempDir() + "/events.db"
	db, err := sqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	k := storagetest.NewKey(t, db)
	db.Close()

	db, err = sqlite.Open(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.LookupAPIKey(context.Background(), k.Key)
	require.NoError(t, err)
	require.Equal(t, k.ID, got.ID)
}
