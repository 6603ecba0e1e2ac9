// Package events provides a publish/subscribe bus for things that happen
// inside Alice: dialog turns, habit updates, surfaced suggestions and
// digest runs. Subscribers such as the MQTT publisher react to them. A
// nil *Bus is valid and drops everything, so components never need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceDialog    = "dialog"
	SourceHabits    = "habits"
	SourcePatterns  = "patterns"
	SourceScheduler = "scheduler"
	SourceVoice     = "voice"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the start of a dialog turn.
	// Data: turn_id, input_len.
	KindTurnStart = "turn_start"
	// KindTurnComplete signals a successful dialog turn.
	// Data: turn_id, model, elapsed_ms, suggestions.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed signals a turn that ended with an inference error.
	// Data: turn_id, timeout, error.
	KindTurnFailed = "turn_failed"

	// KindHabitTracked signals a new habit entry.
	// Data: habit, completed, streak, backfill.
	KindHabitTracked = "habit_tracked"
	// KindBadHabitRegistered signals a bad-habit upsert.
	// Data: habit, triggers.
	KindBadHabitRegistered = "bad_habit_registered"

	// KindSuggestion signals a suggestion produced by the analyzer.
	// Data: habit, kind, milestone, trigger.
	KindSuggestion = "suggestion"

	// KindDigest signals completion of the scheduled habit digest.
	// Data: reminders.
	KindDigest = "digest"

	// KindAudioError signals a skipped turn due to voice I/O failure.
	// Data: stage, error.
	KindAudioError = "audio_error"
)

// Event represents a single event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Slow subscribers miss
// events rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only channel the
	// caller holds.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, dropping it for any
// subscriber whose buffer is full. A zero Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe. A nil bus returns a nil
// channel, which never delivers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	if b == nil {
		return nil
	}
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
