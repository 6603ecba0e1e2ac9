package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/alice/internal/events"
)

// DailyActivity counts today's turns and habit entries from the event
// bus. Counters reset at local midnight.
type DailyActivity struct {
	mu       sync.Mutex
	turns    int64
	failed   int64
	entries  int64
	lastTurn time.Time
	day      time.Time
	loc      *time.Location
	nowFunc  func() time.Time
}

// NewDailyActivity creates a counter that uses loc for midnight. A nil
// loc means [time.Local].
func NewDailyActivity(loc *time.Location) *DailyActivity {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyActivity{loc: loc, nowFunc: time.Now}
	d.day = d.today()
	return d
}

// Observe updates the counters for one event.
func (d *DailyActivity) Observe(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	switch e.Kind {
	case events.KindTurnComplete:
		d.turns++
		d.lastTurn = e.Timestamp
	case events.KindTurnFailed:
		d.failed++
		d.lastTurn = e.Timestamp
	case events.KindHabitTracked:
		d.entries++
	}
}

// ActivitySnapshot is a point-in-time copy of the counters.
type ActivitySnapshot struct {
	Turns        int64
	FailedTurns  int64
	HabitEntries int64
	LastTurn     time.Time
}

// Snapshot returns today's counters.
func (d *DailyActivity) Snapshot() ActivitySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return ActivitySnapshot{
		Turns:        d.turns,
		FailedTurns:  d.failed,
		HabitEntries: d.entries,
		LastTurn:     d.lastTurn,
	}
}

func (d *DailyActivity) today() time.Time {
	y, m, day := d.nowFunc().In(d.loc).Date()
	return time.Date(y, m, day, 0, 0, 0, 0, d.loc)
}

// maybeReset zeroes the daily counters when the date changed. The last
// turn time is kept. Caller must hold d.mu.
func (d *DailyActivity) maybeReset() {
	if today := d.today(); !today.Equal(d.day) {
		d.turns, d.failed, d.entries = 0, 0, 0
		d.day = today
	}
}
