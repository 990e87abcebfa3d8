package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"example.com/klyne-ingest/internal/ratelimit"
	"example.com/klyne-ingest/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type windowKey struct {
	keyID int64
	start int64
}

// memWindows is an in-memory storage.Windows with the same all-or-nothing
// semantics as the SQL backends.
type memWindows struct {
	mu     sync.Mutex
	counts map[windowKey]int64
	calls  int
	err    error
}

func newMemWindows() *memWindows { return &memWindows{counts: map[windowKey]int64{}} }

func (m *memWindows) IncrementWindow(_ context.Context, keyID int64, start time.Time, n, limit int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return 0, false, m.err
	}
	k := windowKey{keyID, start.Unix()}
	cur := m.counts[k]
	if cur+n > limit {
		return cur, false, nil
	}
	m.counts[k] = cur + n
	return cur + n, true, nil
}

func (m *memWindows) WindowUsage(_ context.Context, keyID int64, start time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.counts[windowKey{keyID, start.Unix()}], nil
}

func (m *memWindows) PurgeWindows(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.counts {
		if k.start < before.Unix() {
			delete(m.counts, k)
			n++
		}
	}
	return n, nil
}

var base = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func newLimiter(t *testing.T, store storage.Windows, limit int64) (*ratelimit.Limiter, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(base.Add(10 * time.Minute))
	l, err := ratelimit.New(store, ratelimit.Options{Limit: limit, Clock: clock})
	require.NoError(t, err)
	return l, clock
}

func TestAllow_ExactLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(t, newMemWindows(), ratelimit.DefaultLimit)

	for i := 1; i <= 1000; i++ {
		d, err := l.Allow(ctx, 1, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i)
		require.EqualValues(t, i, d.CurrentUsage)
	}

	d, err := l.Allow(ctx, 1, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.EqualValues(t, 1001, d.CurrentUsage)
	assert.EqualValues(t, 0, d.Remaining)
	assert.EqualValues(t, 1000, d.Limit)
	assert.Equal(t, base.Add(time.Hour), d.ResetAt)

	// Rejections are not charged.
	d, err = l.Allow(ctx, 1, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.EqualValues(t, 1001, d.CurrentUsage)
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(t, newMemWindows(), 2)

	for range 2 {
		d, err := l.Allow(ctx, 1, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, 2, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.EqualValues(t, 1, d.CurrentUsage)
}

func TestAllow_WindowResets(t *testing.T) {
	ctx := context.Background()
	l, clock := newLimiter(t, newMemWindows(), 3)

	d, err := l.Allow(ctx, 1, 3)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Allow(ctx, 1, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.EqualValues(t, 50*60, d.RetryAfter(l.Now()))

	clock.Set(base.Add(time.Hour - time.Nanosecond))
	d, err = l.Allow(ctx, 1, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.EqualValues(t, 1, d.RetryAfter(l.Now()))

	clock.Set(base.Add(time.Hour))
	d, err = l.Allow(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.EqualValues(t, 1, d.CurrentUsage)
	assert.Equal(t, base.Add(2*time.Hour), d.ResetAt)
}

func TestAllow_BatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := newMemWindows()
	l, _ := newLimiter(t, store, 1000)

	d, err := l.Allow(ctx, 1, 950)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Allow(ctx, 1, 100)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.EqualValues(t, 1050, d.CurrentUsage)
	assert.EqualValues(t, 50, d.Remaining)

	d, err = l.Allow(ctx, 1, 50)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.EqualValues(t, 1000, d.CurrentUsage)
	assert.EqualValues(t, 0, d.Remaining)
}

func TestAllow_OversizedRequestSkipsIncrement(t *testing.T) {
	ctx := context.Background()
	store := newMemWindows()
	l, _ := newLimiter(t, store, 10)

	d, err := l.Allow(ctx, 1, 11)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.EqualValues(t, 11, d.CurrentUsage)
	assert.Zero(t, store.calls)
}

func TestAllow_Concurrent(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(t, newMemWindows(), 100)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for range 250 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(ctx, 7, 1)
			assert.NoError(t, err)
			if d.Allowed {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, accepted)
}

func TestAllow_StoreError(t *testing.T) {
	store := newMemWindows()
	store.err = storage.ErrUnavailable
	l, _ := newLimiter(t, store, 10)

	_, err := l.Allow(context.Background(), 1, 1)
	require.True(t, errors.Is(err, storage.ErrUnavailable))
}

func TestUsageAndPurge(t *testing.T) {
	ctx := context.Background()
	store := newMemWindows()
	l, clock := newLimiter(t, store, 10)

	_, err := l.Allow(ctx, 1, 4)
	require.NoError(t, err)

	d, err := l.Usage(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 4, d.CurrentUsage)
	assert.EqualValues(t, 6, d.Remaining)
	assert.True(t, d.Allowed)

	clock.Set(base.Add(3 * time.Hour))
	_, err = l.Allow(ctx, 1, 1)
	require.NoError(t, err)

	n, err := l.PurgeBefore(ctx, l.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	d, err = l.Usage(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, d.CurrentUsage)
}

func TestNew_RejectsFractionalWindow(t *testing.T) {
	_, err := ratelimit.New(newMemWindows(), ratelimit.Options{Window: 1500 * time.Millisecond})
	require.Error(t, err)
}

func TestWindowStart_CustomWindow(t *testing.T) {
	l, err := ratelimit.New(newMemWindows(), ratelimit.Options{Window: 15 * time.Minute, Clock: quartz.NewMock(t)})
	require.NoError(t, err)
	got := l.WindowStart(time.Date(2024, 1, 15, 12, 44, 59, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC), got)
}
