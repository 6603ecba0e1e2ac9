// Package patterns turns habit history into suggestions the dialog can
// surface: encouragement at streak milestones, interventions when a bad
// habit's trigger keeps recurring, and reminders for streaks at risk.
package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/alice/internal/events"
	"github.com/nugget/alice/internal/habits"
	"github.com/nugget/alice/internal/metrics"
)

// Kind classifies a suggestion.
type Kind string

const (
	KindEncouragement Kind = "encouragement"
	KindIntervention  Kind = "intervention"
	KindReminder      Kind = "reminder"
)

// Suggestion is a proactive nudge for the next dialog turn.
type Suggestion struct {
	HabitID   string `json:"habit_id"`
	HabitName string `json:"habit_name"`
	Kind      Kind   `json:"kind"`
	Text      string `json:"text"`
	Milestone int    `json:"milestone,omitempty"`
	Trigger   string `json:"trigger,omitempty"`
}

// Trend is the recent frequency of one trigger of a bad habit.
type Trend struct {
	Habit       string `json:"habit"`
	Trigger     string `json:"trigger"`
	WindowCount int    `json:"window_count"`
	SpanCount   int    `json:"span_count"`
	Active      bool   `json:"active"`
}

// Ledger is the view of the habit ledger the analyzer needs.
type Ledger interface {
	Snapshot() []habits.Habit
	Location() *time.Location
	MarkMilestone(ctx context.Context, name string, m int) error
}

// Config tunes the analyzer.
type Config struct {
	// Milestones are ascending streak lengths worth celebrating.
	Milestones []int
	// WindowDays is the lookback for trigger frequency.
	WindowDays int
	// SpanDays is the lookback for deciding whether a trigger is active.
	SpanDays int
	// Threshold is how many occurrences within SpanDays make a trigger
	// active.
	Threshold int
}

// DefaultConfig returns milestones 7/30/100 and a trigger threshold of
// three occurrences in seven days, counted over a thirty-day window.
func DefaultConfig() Config {
	return Config{
		Milestones: []int{7, 30, 100},
		WindowDays: 30,
		SpanDays:   7,
		Threshold:  3,
	}
}

// Analyzer derives suggestions from a ledger snapshot.
type Analyzer struct {
	cfg     Config
	logger  *slog.Logger
	bus     *events.Bus
	nowFunc func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the analyzer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithEventBus publishes each produced suggestion to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(a *Analyzer) { a.bus = bus }
}

// WithClock overrides the analyzer's notion of now.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.nowFunc = now }
}

// New creates an Analyzer. Zero fields in cfg take their defaults.
func New(cfg Config, opts ...Option) *Analyzer {
	d := DefaultConfig()
	if len(cfg.Milestones) == 0 {
		cfg.Milestones = d.Milestones
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = d.WindowDays
	}
	if cfg.SpanDays <= 0 {
		cfg.SpanDays = d.SpanDays
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}

	a := &Analyzer{
		cfg:     cfg,
		logger:  slog.Default(),
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Analyze returns the suggestions for the current ledger state, ordered
// by habit name. Surfacing a milestone records it on the habit so the
// same crossing is never reported twice.
func (a *Analyzer) Analyze(ctx context.Context, ledger Ledger) []Suggestion {
	now := a.nowFunc()
	loc := ledger.Location()

	var out []Suggestion
	for _, h := range ledger.Snapshot() {
		switch h.Kind {
		case habits.KindBad:
			if s, ok := a.intervention(h, now, loc); ok {
				out = append(out, s)
			}
		default:
			s, ok := a.encouragement(h)
			if !ok {
				continue
			}
			if err := ledger.MarkMilestone(ctx, h.Name, s.Milestone); err != nil {
				a.logger.Warn("failed to record surfaced milestone",
					"habit", h.Name,
					"milestone", s.Milestone,
					"error", err,
				)
			}
			out = append(out, s)
		}
	}

	for _, s := range out {
		a.record(s)
	}
	return out
}

// encouragement returns a suggestion for the highest milestone the
// streak has reached that has not been surfaced yet.
func (a *Analyzer) encouragement(h habits.Habit) (Suggestion, bool) {
	reached := 0
	for _, m := range a.cfg.Milestones {
		if h.Streak >= m && m > h.LastSurfacedMilestone {
			reached = m
		}
	}
	if reached == 0 {
		return Suggestion{}, false
	}

	return Suggestion{
		HabitID:   h.ID,
		HabitName: h.Name,
		Kind:      KindEncouragement,
		Milestone: reached,
		Text: fmt.Sprintf("The user just reached a %d-day streak for %q. Congratulate them briefly and warmly.",
			reached, h.Name),
	}, true
}

// intervention returns a suggestion naming the dominant active trigger.
func (a *Analyzer) intervention(h habits.Habit, now time.Time, loc *time.Location) (Suggestion, bool) {
	var dominant *Trend
	for _, t := range a.trends(h, now, loc) {
		if !t.Active {
			continue
		}
		// trends are sorted by trigger name, so strict > keeps the
		// lexicographically smallest on ties.
		if dominant == nil || t.SpanCount > dominant.SpanCount {
			dominant = &t
		}
	}
	if dominant == nil {
		return Suggestion{}, false
	}

	return Suggestion{
		HabitID:   h.ID,
		HabitName: h.Name,
		Kind:      KindIntervention,
		Trigger:   dominant.Trigger,
		Text: fmt.Sprintf("%q has followed %q %d times in the last %d days (%d in %d days). "+
			"Gently offer one concrete strategy for handling %s without %s.",
			h.Name, dominant.Trigger, dominant.SpanCount, a.cfg.SpanDays,
			dominant.WindowCount, a.cfg.WindowDays, dominant.Trigger, h.Name),
	}, true
}

// Trends returns trigger frequencies for every bad habit.
func (a *Analyzer) Trends(ledger Ledger, now time.Time) []Trend {
	loc := ledger.Location()
	var out []Trend
	for _, h := range ledger.Snapshot() {
		if h.Kind == habits.KindBad {
			out = append(out, a.trends(h, now, loc)...)
		}
	}
	return out
}

// trends counts entries tagged with each registered trigger. The
// current day counts as the first day of both lookbacks. Completed and
// missed entries count alike: Completed marks a clean day for the streak,
// while the tag records that the trigger came up at all.
func (a *Analyzer) trends(h habits.Habit, now time.Time, loc *time.Location) []Trend {
	if len(h.Triggers) == 0 {
		return nil
	}

	today := habits.DayOf(now, loc)
	windowStart := today.AddDate(0, 0, -(a.cfg.WindowDays - 1))
	spanStart := today.AddDate(0, 0, -(a.cfg.SpanDays - 1))

	window := make(map[string]int, len(h.Triggers))
	span := make(map[string]int, len(h.Triggers))
	for _, e := range h.History {
		if e.Trigger == "" || !h.HasTrigger(e.Trigger) {
			continue
		}
		day := habits.DayOf(e.At, loc)
		if day.After(today) || day.Before(windowStart) {
			continue
		}
		window[e.Trigger]++
		if !day.Before(spanStart) {
			span[e.Trigger]++
		}
	}

	out := make([]Trend, 0, len(h.Triggers))
	for _, t := range h.Triggers {
		out = append(out, Trend{
			Habit:       h.Name,
			Trigger:     t,
			WindowCount: window[t],
			SpanCount:   span[t],
			Active:      span[t] >= a.cfg.Threshold,
		})
	}
	return out
}

// AtRisk returns reminders for good habits whose streak ends today
// unless they are done: the streak is positive and the last completion
// was yesterday.
func (a *Analyzer) AtRisk(ledger Ledger, now time.Time) []Suggestion {
	loc := ledger.Location()
	yesterday := habits.DayOf(now, loc).AddDate(0, 0, -1)

	var out []Suggestion
	for _, h := range ledger.Snapshot() {
		if h.Kind == habits.KindBad || h.Streak == 0 {
			continue
		}
		last, ok := h.LastCompletedDay(loc)
		if !ok || !last.Equal(yesterday) {
			continue
		}
		s := Suggestion{
			HabitID:   h.ID,
			HabitName: h.Name,
			Kind:      KindReminder,
			Text: fmt.Sprintf("The user has a %d-day streak for %q that ends today unless they do it. Remind them gently.",
				h.Streak, h.Name),
		}
		a.record(s)
		out = append(out, s)
	}
	return out
}

func (a *Analyzer) record(s Suggestion) {
	metrics.Suggestions.WithLabelValues(string(s.Kind)).Inc()
	a.logger.Debug("suggestion produced",
		"habit", s.HabitName,
		"kind", s.Kind,
		"milestone", s.Milestone,
		"trigger", s.Trigger,
	)
	a.bus.Publish(events.Event{
		Source: events.SourcePatterns,
		Kind:   events.KindSuggestion,
		Data: map[string]any{
			"habit":     s.HabitName,
			"kind":      string(s.Kind),
			"milestone": s.Milestone,
			"trigger":   s.Trigger,
		},
	})
}
