// Package situation assembles a snapshot of the user's current
// circumstances (where they are, what they are doing, how they seem to
// feel, and the local time) for inclusion in the dialog prompt.
package situation

import (
	"fmt"
	"strings"
	"time"
)

// Activity is what the user is currently doing.
type Activity string

const (
	ActivityWorking    Activity = "working"
	ActivitySleeping   Activity = "sleeping"
	ActivityEating     Activity = "eating"
	ActivityExercising Activity = "exercising"
	ActivityCommuting  Activity = "commuting"
	ActivityRelaxing   Activity = "relaxing"
)

var activities = []Activity{
	ActivityWorking, ActivitySleeping, ActivityEating,
	ActivityExercising, ActivityCommuting, ActivityRelaxing,
}

// ParseActivity maps a free-form state string to an Activity.
func ParseActivity(s string) (Activity, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, a := range activities {
		if s == string(a) {
			return a, true
		}
	}
	return "", false
}

// Mood is the user's apparent emotional state.
type Mood string

const (
	MoodCalm     Mood = "calm"
	MoodHappy    Mood = "happy"
	MoodNeutral  Mood = "neutral"
	MoodSad      Mood = "sad"
	MoodStressed Mood = "stressed"
	MoodTired    Mood = "tired"
)

var moods = []Mood{MoodCalm, MoodHappy, MoodNeutral, MoodSad, MoodStressed, MoodTired}

// ParseMood maps a free-form string to a Mood.
func ParseMood(s string) (Mood, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, m := range moods {
		if s == string(m) {
			return m, true
		}
	}
	return "", false
}

// Snapshot is an immutable record of the situation for one turn. Fields
// whose provider failed, timed out or had nothing to say are absent.
type Snapshot struct {
	location    string
	hasLocation bool
	activity    Activity
	hasActivity bool
	mood        Mood
	hasMood     bool
	timestamp   time.Time
}

// Location returns where the user is.
func (s Snapshot) Location() (string, bool) { return s.location, s.hasLocation }

// Activity returns what the user is doing.
func (s Snapshot) Activity() (Activity, bool) { return s.activity, s.hasActivity }

// Mood returns the user's apparent mood.
func (s Snapshot) Mood() (Mood, bool) { return s.mood, s.hasMood }

// Timestamp returns when the snapshot was taken, in the user's timezone.
func (s Snapshot) Timestamp() time.Time { return s.timestamp }

const unknown = "unknown"

// Format renders the snapshot as key/value lines for the prompt. Absent
// fields are written as "unknown".
func (s Snapshot) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Location: %s\n", orUnknown(s.location, s.hasLocation))
	fmt.Fprintf(&b, "Activity: %s\n", orUnknown(string(s.activity), s.hasActivity))
	fmt.Fprintf(&b, "Mood: %s\n", orUnknown(string(s.mood), s.hasMood))
	fmt.Fprintf(&b, "Time: %s", s.timestamp.Format("Monday, January 2, 2006 3:04 PM MST"))
	return b.String()
}

// Fields returns the snapshot as a map for JSON output, omitting absent
// fields.
func (s Snapshot) Fields() map[string]any {
	out := map[string]any{"time": s.timestamp}
	if s.hasLocation {
		out["location"] = s.location
	}
	if s.hasActivity {
		out["activity"] = string(s.activity)
	}
	if s.hasMood {
		out["mood"] = string(s.mood)
	}
	return out
}

func orUnknown(v string, ok bool) string {
	if !ok || v == "" {
		return unknown
	}
	return v
}
