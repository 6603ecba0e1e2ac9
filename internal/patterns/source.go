package patterns

import "context"

// Source supplies the suggestions for one dialog turn: anything queued
// since the last turn followed by a fresh analysis of the ledger.
type Source struct {
	analyzer *Analyzer
	ledger   Ledger
	queue    *Queue
}

// NewSource combines an analyzer, the ledger it reads, and an optional
// queue of deferred suggestions.
func NewSource(analyzer *Analyzer, ledger Ledger, queue *Queue) *Source {
	return &Source{analyzer: analyzer, ledger: ledger, queue: queue}
}

// Suggestions drains the queue and analyzes the ledger. A habit never
// gets two suggestions of the same kind in one turn.
func (s *Source) Suggestions(ctx context.Context) []Suggestion {
	out := s.queue.Drain()
	if s.analyzer == nil || s.ledger == nil {
		return out
	}

	for _, sg := range s.analyzer.Analyze(ctx, s.ledger) {
		dup := false
		for _, have := range out {
			if have.HabitID == sg.HabitID && have.Kind == sg.Kind {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, sg)
		}
	}
	return out
}

// Requeue returns suggestions from a turn that failed to reach the user
// so the next turn offers them again. Without a queue they are dropped.
func (s *Source) Requeue(suggestions []Suggestion) {
	if s.queue == nil {
		return
	}
	s.queue.Push(suggestions...)
}
