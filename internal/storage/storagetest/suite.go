// Package storagetest holds behaviour tests shared by every storage backend.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/klyne-ingest/internal/domain"
	"example.com/klyne-ingest/internal/storage"
)

// Run exercises store against the storage.Store contract. The store must be
// migrated. Package names and keys are random so a shared database can be
// reused between runs.
func Run(t *testing.T, store storage.Store) {
	t.Run("APIKeys", func(t *testing.T) { testAPIKeys(t, store) })
	t.Run("EventsRoundTrip", func(t *testing.T) { testEventsRoundTrip(t, store) })
	t.Run("EventsBatchOrder", func(t *testing.T) { testEventsBatchOrder(t, store) })
	t.Run("WindowCeiling", func(t *testing.T) { testWindowCeiling(t, store) })
	t.Run("WindowConcurrent", func(t *testing.T) { testWindowConcurrent(t, store) })
	t.Run("WindowPurge", func(t *testing.T) { testWindowPurge(t, store) })
}

// NewKey creates an active key for a fresh package name.
func NewKey(t *testing.T, store storage.APIKeys) domain.APIKey {
	t.Helper()
	key, err := domain.GenerateKey(domain.DefaultKeyPrefix)
	require.NoError(t, err)
	k, err := store.CreateAPIKey(context.Background(), domain.APIKey{
		Key:         key,
		PackageName: "pkg-" + uuid.NewString()[:8],
		Active:      true,
		Description: "test",
	})
	require.NoError(t, err)
	return k
}

// SampleEvent returns a valid event owned by key.
func SampleEvent(key domain.APIKey) domain.Event {
	cpu, mem := 8, 16
	return domain.Event{
		APIKeyID:             key.ID,
		SessionID:            uuid.New(),
		PackageName:          key.PackageName,
		PackageVersion:       "1.0.0",
		PythonVersion:        "3.11.5",
		PythonImplementation: "CPython",
		OSType:               "Linux",
		OSRelease:            "6.1.0",
		Architecture:         "x86_64",
		VirtualEnv:           true,
		VirtualEnvType:       "venv",
		CPUCount:             &cpu,
		TotalMemoryGB:        &mem,
		EventTimestamp:       time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		ExtraData:            domain.Object{"feature_used": domain.String("advanced_mode")},
		EventName:            "import",
		Properties: domain.Object{
			"nested": domain.ObjectValue(domain.Object{"n": domain.Int(3)}),
			"tags":   domain.Array(domain.String("a"), domain.Bool(false), domain.Null()),
		},
	}
}

func testAPIKeys(t *testing.T, store storage.Store) {
	ctx := context.Background()
	k := NewKey(t, store)
	require.NotZero(t, k.ID)

	got, err := store.LookupAPIKey(ctx, k.Key)
	require.NoError(t, err)
	assert.Equal(t, k.ID, got.ID)
	assert.Equal(t, k.PackageName, got.PackageName)
	assert.Equal(t, "test", got.Description)
	assert.True(t, got.Active)

	_, err = store.LookupAPIKey(ctx, "klyne_missing_"+uuid.NewString())
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.SetAPIKeyActive(ctx, k.ID, false))
	got, err = store.LookupAPIKey(ctx, k.Key)
	require.NoError(t, err)
	assert.False(t, got.Active)

	require.ErrorIs(t, store.SetAPIKeyActive(ctx, -1, true), storage.ErrNotFound)

	list, err := store.ListAPIKeys(ctx, k.PackageName)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, k.Key, list[0].Key)
}

func testEventsRoundTrip(t *testing.T, store storage.Store) {
	ctx := context.Background()
	k := NewKey(t, store)
	in := SampleEvent(k)

	receipts, err := store.InsertEvents(ctx, []domain.Event{in})
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.NotEqual(t, uuid.Nil, receipts[0].ID)
	assert.False(t, receipts[0].ReceivedAt.IsZero())

	got, err := store.GetEvent(ctx, receipts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, receipts[0].ID, got.ID)
	assert.Equal(t, in.SessionID, got.SessionID)
	assert.Equal(t, in.PackageName, got.PackageName)
	assert.Equal(t, in.PythonVersion, got.PythonVersion)
	assert.Equal(t, in.OSRelease, got.OSRelease)
	assert.Empty(t, got.OSVersion)
	assert.True(t, got.VirtualEnv)
	require.NotNil(t, got.CPUCount)
	assert.Equal(t, 8, *got.CPUCount)
	assert.True(t, in.EventTimestamp.Equal(got.EventTimestamp))
	assert.True(t, in.ExtraData.Equal(got.ExtraData), "extra_data: %v", got.ExtraData)
	assert.True(t, in.Properties.Equal(got.Properties), "properties: %v", got.Properties)

	_, err = store.GetEvent(ctx, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)

	n, err := store.CountEvents(ctx, k.PackageName)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func testEventsBatchOrder(t *testing.T, store storage.Store) {
	ctx := context.Background()
	k := NewKey(t, store)

	batch := make([]domain.Event, 5)
	for i := range batch {
		batch[i] = SampleEvent(k)
		batch[i].ExtraData = nil
		batch[i].Properties = nil
	}
	receipts, err := store.InsertEvents(ctx, batch)
	require.NoError(t, err)
	require.Len(t, receipts, len(batch))

	for i, r := range receipts {
		got, err := store.GetEvent(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, batch[i].SessionID, got.SessionID, "receipt %d out of order", i)
		assert.Nil(t, got.ExtraData)
	}

	n, err := store.CountEvents(ctx, k.PackageName)
	require.NoError(t, err)
	assert.EqualValues(t, len(batch), n)
}

func testWindowCeiling(t *testing.T, store storage.Store) {
	ctx := context.Background()
	k := NewKey(t, store)
	start := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	count, ok, err := store.IncrementWindow(ctx, k.ID, start, 8, 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 8, count)

	count, ok, err = store.IncrementWindow(ctx, k.ID, start, 3, 10)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 8, count, "rejected increment must not change the counter")

	count, ok, err = store.IncrementWindow(ctx, k.ID, start, 2, 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 10, count)

	used, err := store.WindowUsage(ctx, k.ID, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, used)
}

func testWindowConcurrent(t *testing.T, store storage.Store) {
	ctx := context.Background()
	k := NewKey(t, store)
	start := time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC)
	const limit, workers = 50, 80

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.IncrementWindow(ctx, k.ID, start, 1, limit)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, accepted)
	used, err := store.WindowUsage(ctx, k.ID, start)
	require.NoError(t, err)
	assert.EqualValues(t, limit, used)
}

func testWindowPurge(t *testing.T, store storage.Store) {
	ctx := context.Background()
	k := NewKey(t, store)
	old := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2001, 1, 1, 5, 0, 0, 0, time.UTC)

	_, _, err := store.IncrementWindow(ctx, k.ID, old, 1, 10)
	require.NoError(t, err)
	_, _, err = store.IncrementWindow(ctx, k.ID, recent, 1, 10)
	require.NoError(t, err)

	n, err := store.PurgeWindows(ctx, old.Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	used, err := store.WindowUsage(ctx, k.ID, old)
	require.NoError(t, err)
	assert.Zero(t, used)
	used, err = store.WindowUsage(ctx, k.ID, recent)
	require.NoError(t, err)
	assert.EqualValues(t, 1, used)
}
