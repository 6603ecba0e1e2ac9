package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/alice/internal/events"
	"github.com/nugget/alice/internal/patterns"
)

// Digest finds streaks that end today unless the habit is done and
// queues a reminder for each, so the next dialog turn mentions them.
type Digest struct {
	analyzer *patterns.Analyzer
	ledger   patterns.Ledger
	queue    *patterns.Queue
	bus      *events.Bus
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewDigest creates the digest job.
func NewDigest(analyzer *patterns.Analyzer, ledger patterns.Ledger, queue *patterns.Queue, bus *events.Bus, logger *slog.Logger) *Digest {
	if logger == nil {
		logger = slog.Default()
	}
	return &Digest{
		analyzer: analyzer,
		ledger:   ledger,
		queue:    queue,
		bus:      bus,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Run queues today's reminders. It satisfies JobFunc.
func (d *Digest) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	reminders := d.analyzer.AtRisk(d.ledger, d.nowFunc())
	d.queue.Push(reminders...)

	names := make([]string, 0, len(reminders))
	for _, r := range reminders {
		names = append(names, r.HabitName)
	}

	d.logger.Info("habit digest", "reminders", len(reminders), "habits", names)
	d.bus.Publish(events.Event{
		Source: events.SourceScheduler,
		Kind:   events.KindDigest,
		Data: map[string]any{
			"reminders": len(reminders),
			"habits":    names,
		},
	})
	return nil
}
