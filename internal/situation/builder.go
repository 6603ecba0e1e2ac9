package situation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/alice/internal/metrics"
)

// DefaultProviderTimeout bounds each provider query.
const DefaultProviderTimeout = 2 * time.Second

// Builder queries the configured providers in parallel and joins their
// answers into a Snapshot.
type Builder struct {
	location Provider[string]
	activity Provider[Activity]
	mood     Provider[Mood]
	clock    Provider[time.Time]

	timeout time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithLocationProvider sets the location source.
func WithLocationProvider(p Provider[string]) Option {
	return func(b *Builder) { b.location = p }
}

// WithActivityProvider sets the activity source.
func WithActivityProvider(p Provider[Activity]) Option {
	return func(b *Builder) { b.activity = p }
}

// WithMoodProvider sets the mood source.
func WithMoodProvider(p Provider[Mood]) Option {
	return func(b *Builder) { b.mood = p }
}

// WithClockProvider sets the time source used for the snapshot
// timestamp.
func WithClockProvider(p Provider[time.Time]) Option {
	return func(b *Builder) { b.clock = p }
}

// WithTimeout sets the per-provider deadline.
func WithTimeout(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the builder's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithNow overrides the fallback timestamp source.
func WithNow(now func() time.Time) Option {
	return func(b *Builder) { b.nowFunc = now }
}

// NewBuilder creates a Builder. Providers left unset yield absent
// fields.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		timeout: DefaultProviderTimeout,
		logger:  slog.Default(),
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build queries every provider concurrently and returns once all have
// answered or hit their deadline. It never fails: a provider that
// errors or times out leaves its field absent.
func (b *Builder) Build(ctx context.Context) Snapshot {
	var (
		s     Snapshot
		ts    time.Time
		hasTS bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.location, s.hasLocation = query(gctx, b, "location", b.location)
		return nil
	})
	g.Go(func() error {
		s.activity, s.hasActivity = query(gctx, b, "activity", b.activity)
		return nil
	})
	g.Go(func() error {
		s.mood, s.hasMood = query(gctx, b, "mood", b.mood)
		return nil
	})
	g.Go(func() error {
		ts, hasTS = query(gctx, b, "time", b.clock)
		return nil
	})
	_ = g.Wait()

	if hasTS {
		s.timestamp = ts
	} else {
		s.timestamp = b.nowFunc()
	}
	return s
}

type result[T any] struct {
	value T
	ok    bool
	err   error
}

// query runs p with the builder's deadline. The provider runs in its
// own goroutine so a provider that ignores its context still cannot
// hold up the turn; its late answer is discarded.
func query[T any](ctx context.Context, b *Builder, field string, p Provider[T]) (T, bool) {
	var zero T
	if p == nil {
		return zero, false
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result[T]{err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		v, ok, err := p.Query(ctx)
		ch <- result[T]{value: v, ok: ok, err: err}
	}()

	select {
	case r := <-ch:
		metrics.ProviderLatency.WithLabelValues(field).Observe(time.Since(start).Seconds())
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				b.timedOut(field)
				return zero, false
			}
			metrics.ProviderErrors.WithLabelValues(field).Inc()
			b.logger.Warn("context provider failed", "field", field, "error", r.err)
			return zero, false
		}
		if !r.ok {
			b.logger.Debug("context provider had no value", "field", field)
		}
		return r.value, r.ok
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			b.timedOut(field)
		}
		return zero, false
	}
}

func (b *Builder) timedOut(field string) {
	metrics.ProviderTimeouts.WithLabelValues(field).Inc()
	b.logger.Warn("context provider timed out",
		"field", field,
		"timeout", b.timeout,
	)
}
