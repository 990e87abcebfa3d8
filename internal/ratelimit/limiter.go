// Package ratelimit enforces a fixed-window event quota per API key.
//
// Windows are aligned to the Unix epoch, so the default one-hour window
// starts on the UTC hour. Counters live in the store, which keeps the check
// and the increment in a single atomic statement; a rejected request leaves
// the counter untouched.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"example.com/klyne-ingest/internal/storage"
)

const (
	DefaultLimit  = 1000
	DefaultWindow = time.Hour
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Window    time.Duration
	ResetAt   time.Time
	// CurrentUsage is the counter after the request when allowed, or what it
	// would have become when rejected.
	CurrentUsage int64
}

// RetryAfter is the time left until the window resets, rounded up to whole
// seconds and never below one.
func (d Decision) RetryAfter(now time.Time) int64 {
	secs := int64((d.ResetAt.Sub(now) + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

type Limiter struct {
	store  storage.Windows
	clock  quartz.Clock
	limit  int64
	window time.Duration
}

type Options struct {
	Limit  int64
	Window time.Duration
	Clock  quartz.Clock
}

func New(store storage.Windows, opts Options) (*Limiter, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Window%time.Second != 0 {
		return nil, fmt.Errorf("window %s is not a whole number of seconds", opts.Window)
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Limiter{store: store, clock: opts.Clock, limit: opts.Limit, window: opts.Window}, nil
}

func (l *Limiter) Limit() int64 { return l.limit }

func (l *Limiter) Window() time.Duration { return l.window }

// Now is the limiter's clock reading in UTC.
func (l *Limiter) Now() time.Time { return l.clock.Now().UTC() }

// WindowStart returns the start of the window containing t.
func (l *Limiter) WindowStart(t time.Time) time.Time {
	secs := int64(l.window / time.Second)
	unix := t.Unix()
	return time.Unix(unix-unix%secs, 0).UTC()
}

// Allow charges n units to keyID in the current window. A request is all or
// nothing: if n units do not fit, nothing is charged.
func (l *Limiter) Allow(ctx context.Context, keyID int64, n int64) (Decision, error) {
	start := l.WindowStart(l.Now())
	d := Decision{Limit: l.limit, Window: l.window, ResetAt: start.Add(l.window)}

	if n > l.limit {
		used, err := l.store.WindowUsage(ctx, keyID, start)
		if err != nil {
			return Decision{}, err
		}
		d.CurrentUsage = used + n
		d.Remaining = remaining(l.limit, used)
		return d, nil
	}

	count, ok, err := l.store.IncrementWindow(ctx, keyID, start, n, l.limit)
	if err != nil {
		return Decision{}, err
	}
	d.Allowed = ok
	if ok {
		d.CurrentUsage = count
	} else {
		d.CurrentUsage = count + n
	}
	d.Remaining = remaining(l.limit, count)
	return d, nil
}

// Usage reports the current window without charging anything.
func (l *Limiter) Usage(ctx context.Context, keyID int64) (Decision, error) {
	start := l.WindowStart(l.Now())
	used, err := l.store.WindowUsage(ctx, keyID, start)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:      used < l.limit,
		Limit:        l.limit,
		Remaining:    remaining(l.limit, used),
		Window:       l.window,
		ResetAt:      start.Add(l.window),
		CurrentUsage: used,
	}, nil
}

// PurgeBefore deletes windows that ended before t.
func (l *Limiter) PurgeBefore(ctx context.Context, t time.Time) (int64, error) {
	return l.store.PurgeWindows(ctx, l.WindowStart(t))
}

func remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
