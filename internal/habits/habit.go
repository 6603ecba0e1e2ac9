// Package habits tracks daily habits, their streaks and, for bad habits,
// the triggers that precede them.
package habits

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Kind distinguishes habits to build from habits to break.
type Kind string

const (
	KindGood Kind = "good"
	KindBad  Kind = "bad"
)

// Entry is one tracked occurrence.
type Entry struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	Completed bool      `json:"completed"`
	Backfill  bool      `json:"backfill,omitempty"`
	Trigger   string    `json:"trigger,omitempty"`
}

// Habit is a tracked behavior. Non-backfill entries in History are kept
// in the order they were tracked, so the latest call on a day decides
// the streak; backfilled entries are placed by time.
type Habit struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	Kind                  Kind      `json:"kind"`
	Streak                int       `json:"streak"`
	History               []Entry   `json:"history"`
	Triggers              []string  `json:"triggers,omitempty"`
	LastSurfacedMilestone int       `json:"last_surfaced_milestone"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Clone returns a deep copy of h.
func (h *Habit) Clone() Habit {
	c := *h
	c.History = slices.Clone(h.History)
	c.Triggers = slices.Clone(h.Triggers)
	return c
}

// LastCompletedDay returns the calendar day, in loc, of the most recent
// non-backfill completed entry.
func (h *Habit) LastCompletedDay(loc *time.Location) (time.Time, bool) {
	for i := len(h.History) - 1; i >= 0; i-- {
		e := h.History[i]
		if !e.Backfill && e.Completed {
			return DayOf(e.At, loc), true
		}
	}
	return time.Time{}, false
}

// HasTrigger reports whether t is one of the registered triggers.
func (h *Habit) HasTrigger(t string) bool {
	_, ok := slices.BinarySearch(h.Triggers, t)
	return ok
}

// latestDay returns the day of the latest non-backfill entry.
func (h *Habit) latestDay(loc *time.Location) (time.Time, bool) {
	for i := len(h.History) - 1; i >= 0; i-- {
		if !h.History[i].Backfill {
			return DayOf(h.History[i].At, loc), true
		}
	}
	return time.Time{}, false
}

// record appends a live entry, or places a backfilled one by time.
func (h *Habit) record(e Entry) {
	if !e.Backfill {
		h.History = append(h.History, e)
		return
	}
	h.insert(e)
}

// insert places e after every entry at or before e.At.
func (h *Habit) insert(e Entry) {
	idx, _ := slices.BinarySearchFunc(h.History, e.At, func(x Entry, at time.Time) int {
		if x.At.After(at) {
			return 1
		}
		return -1
	})
	h.History = slices.Insert(h.History, idx, e)
}

// DayOf truncates t to midnight of its calendar day in loc.
func DayOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// ComputeStreak counts the consecutive calendar days covered by the
// trailing run of completed, non-backfill entries. Several completions
// on one day count once; a skipped day or a miss ends the run, whatever
// its clock time, as long as it was tracked last.
func ComputeStreak(history []Entry, loc *time.Location) int {
	streak := 0
	var runDay time.Time

	for i := len(history) - 1; i >= 0; i-- {
		e := history[i]
		if e.Backfill {
			continue
		}
		if !e.Completed {
			break
		}

		day := DayOf(e.At, loc)
		switch {
		case streak == 0:
			streak = 1
			runDay = day
		case day.Equal(runDay):
		case day.Equal(runDay.AddDate(0, 0, -1)):
			streak++
			runDay = day
		default:
			return streak
		}
	}
	return streak
}

// NormalizeName canonicalizes a habit or trigger name: lower case with
// internal whitespace collapsed.
func NormalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// normalizeTriggers returns the sorted, de-duplicated trigger set.
func normalizeTriggers(triggers []string) []string {
	out := make([]string, 0, len(triggers))
	for _, t := range triggers {
		if n := NormalizeName(t); n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ParseWhen reads an entry time given either as a calendar date
// (YYYY-MM-DD, taken as noon in loc) or as an RFC 3339 timestamp.
func ParseWhen(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		return t.Add(12 * time.Hour), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}
