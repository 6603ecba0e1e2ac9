package habits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/alice/internal/events"
	"github.com/nugget/alice/internal/metrics"
)

// Repository durably stores habits and their entries.
type Repository interface {
	LoadHabits(ctx context.Context) ([]Habit, error)
	UpsertHabit(ctx context.Context, h Habit) error
	AppendEntry(ctx context.Context, habitID string, e Entry) error
}

// Ledger is the authoritative in-memory collection of habits. All
// mutation happens under a single write lock; readers get deep copies.
type Ledger struct {
	repo    Repository
	loc     *time.Location
	logger  *slog.Logger
	bus     *events.Bus
	nowFunc func() time.Time

	mu       sync.RWMutex
	habits   map[string]*Habit
	degraded bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRepository attaches durable storage.
func WithRepository(r Repository) Option {
	return func(l *Ledger) { l.repo = r }
}

// WithLocation sets the timezone that defines calendar days.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithLogger sets the ledger's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithEventBus publishes habit events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(l *Ledger) { l.bus = bus }
}

// WithClock overrides the default entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.nowFunc = now }
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		loc:     time.Local,
		logger:  slog.Default(),
		nowFunc: time.Now,
		habits:  make(map[string]*Habit),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Location returns the timezone used for day boundaries.
func (l *Ledger) Location() *time.Location {
	return l.loc
}

// Load replaces the in-memory habits with the repository contents.
func (l *Ledger) Load(ctx context.Context) error {
	if l.repo == nil {
		return nil
	}

	loaded, err := l.repo.LoadHabits(ctx)
	if err != nil {
		return fmt.Errorf("load habits: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.habits = make(map[string]*Habit, len(loaded))
	for i := range loaded {
		h := loaded[i]
		h.Streak = ComputeStreak(h.History, l.loc)
		l.habits[h.Name] = &h
	}

	l.logger.Info("habits loaded", "count", len(loaded))
	return nil
}

// TrackOption adjusts a single Track call.
type TrackOption func(*trackOptions)

type trackOptions struct {
	at       time.Time
	backfill bool
	trigger  string
}

// At sets the entry time. Defaults to now.
func At(t time.Time) TrackOption {
	return func(o *trackOptions) { o.at = t }
}

// Backfill marks the entry as a late record of a past day. Backfilled
// entries are kept in history but never change the streak.
func Backfill() TrackOption {
	return func(o *trackOptions) { o.backfill = true }
}

// WithTrigger tags the entry with the situation that preceded it.
func WithTrigger(trigger string) TrackOption {
	return func(o *trackOptions) { o.trigger = NormalizeName(trigger) }
}

// Track records one occurrence of a habit, creating the habit on first
// use, and returns a copy of the updated habit. A *StorageError means the
// entry was recorded in memory but not persisted.
func (l *Ledger) Track(ctx context.Context, name string, completed bool, opts ...TrackOption) (*Habit, error) {
	key := NormalizeName(name)
	if key == "" {
		return nil, ErrEmptyName
	}

	now := l.nowFunc()
	o := trackOptions{at: now}
	for _, opt := range opts {
		opt(&o)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	h, exists := l.habits[key]
	if !exists {
		h = newHabit(key, KindGood, now)
	}

	if !o.backfill {
		if latest, ok := h.latestDay(l.loc); ok {
			if day := DayOf(o.at, l.loc); day.Before(latest) {
				return nil, &OutOfOrderError{Name: key, At: day, Latest: latest}
			}
		}
	}

	entry := Entry{
		ID:        newID(),
		At:        o.at,
		Completed: completed,
		Backfill:  o.backfill,
		Trigger:   o.trigger,
	}
	h.record(entry)

	prev := h.Streak
	h.Streak = ComputeStreak(h.History, l.loc)
	if h.Streak < prev {
		h.LastSurfacedMilestone = 0
	}
	h.UpdatedAt = now

	if !exists {
		l.habits[key] = h
	}

	err := l.persist("track", key, func() error {
		if err := l.repo.UpsertHabit(ctx, h.Clone()); err != nil {
			return err
		}
		return l.repo.AppendEntry(ctx, h.ID, entry)
	})

	metrics.HabitEntries.WithLabelValues(strconv.FormatBool(completed)).Inc()
	l.logger.Debug("habit tracked",
		"habit", key,
		"completed", completed,
		"backfill", o.backfill,
		"streak", h.Streak,
	)
	l.bus.Publish(events.Event{
		Source: events.SourceHabits,
		Kind:   events.KindHabitTracked,
		Data: map[string]any{
			"habit":     key,
			"completed": completed,
			"streak":    h.Streak,
			"backfill":  o.backfill,
		},
	})

	out := h.Clone()
	return &out, err
}

// GetStreak returns the current streak of a habit.
func (l *Ledger) GetStreak(name string) (int, error) {
	key := NormalizeName(name)

	l.mu.RLock()
	defer l.mu.RUnlock()

	h, ok := l.habits[key]
	if !ok {
		return 0, &NotFoundError{Name: key}
	}
	return h.Streak, nil
}

// Get returns a copy of a habit.
func (l *Ledger) Get(name string) (Habit, error) {
	key := NormalizeName(name)

	l.mu.RLock()
	defer l.mu.RUnlock()

	h, ok := l.habits[key]
	if !ok {
		return Habit{}, &NotFoundError{Name: key}
	}
	return h.Clone(), nil
}

// RegisterBadHabit marks a habit as one to break and replaces its
// trigger set. Calling it again with the same arguments changes nothing.
func (l *Ledger) RegisterBadHabit(ctx context.Context, name string, triggers []string) (*Habit, error) {
	key := NormalizeName(name)
	if key == "" {
		return nil, ErrEmptyName
	}
	set := normalizeTriggers(triggers)
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	h, exists := l.habits[key]
	if !exists {
		h = newHabit(key, KindBad, now)
		l.habits[key] = h
	}

	changed := !exists || h.Kind != KindBad || !slices.Equal(h.Triggers, set)
	h.Kind = KindBad
	h.Triggers = set

	var err error
	if changed {
		h.UpdatedAt = now
		err = l.persist("register", key, func() error {
			return l.repo.UpsertHabit(ctx, h.Clone())
		})
		l.bus.Publish(events.Event{
			Source: events.SourceHabits,
			Kind:   events.KindBadHabitRegistered,
			Data: map[string]any{
				"habit":    key,
				"triggers": strings.Join(set, ","),
			},
		})
	}

	out := h.Clone()
	return &out, err
}

// MarkMilestone records that milestone m has been surfaced to the user.
// A mark for a milestone above the current streak is ignored, so a
// reset that lands between reading a habit and marking it wins.
func (l *Ledger) MarkMilestone(ctx context.Context, name string, m int) error {
	key := NormalizeName(name)

	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.habits[key]
	if !ok {
		return &NotFoundError{Name: key}
	}
	if h.LastSurfacedMilestone == m || h.Streak < m {
		return nil
	}
	h.LastSurfacedMilestone = m
	h.UpdatedAt = l.nowFunc()

	return l.persist("mark milestone", key, func() error {
		return l.repo.UpsertHabit(ctx, h.Clone())
	})
}

// Snapshot returns deep copies of every habit, sorted by name, taken
// under a single read lock.
func (l *Ledger) Snapshot() []Habit {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Habit, 0, len(l.habits))
	for _, h := range l.habits {
		out = append(out, h.Clone())
	}
	slices.SortFunc(out, func(a, b Habit) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Len returns the number of habits.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.habits)
}

// Degraded reports whether persistence has been abandoned.
func (l *Ledger) Degraded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.degraded
}

// Flush writes every habit record to the repository. Entries are
// persisted as they are tracked, so only habit rows are rewritten.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.repo == nil || l.degraded {
		return nil
	}

	var errs []error
	for _, h := range l.habits {
		if err := l.repo.UpsertHabit(ctx, h.Clone()); err != nil {
			errs = append(errs, fmt.Errorf("flush habit %q: %w", h.Name, err))
		}
	}
	return errors.Join(errs...)
}

// persist runs fn against the repository unless the ledger has no
// repository or has already degraded. The first failure switches the
// ledger to in-memory operation. Caller must hold l.mu for writing.
func (l *Ledger) persist(op, name string, fn func() error) error {
	if l.repo == nil || l.degraded {
		return nil
	}
	if err := fn(); err != nil {
		l.degraded = true
		metrics.StorageFailures.WithLabelValues("habits").Inc()
		l.logger.Error("habit persistence failed, continuing in memory only",
			"op", op,
			"habit", name,
			"error", err,
		)
		return &StorageError{Op: op, Name: name, Err: err}
	}
	return nil
}

func newHabit(name string, kind Kind, now time.Time) *Habit {
	return &Habit{
		ID:        newID(),
		Name:      name,
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
