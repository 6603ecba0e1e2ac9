package patterns

import "sync"

// Queue holds suggestions produced outside a dialog turn, such as the
// daily digest, until the next turn drains them. A suggestion for a
// habit and kind that is already pending is dropped.
type Queue struct {
	mu    sync.Mutex
	items []Suggestion
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push adds suggestions to the queue.
func (q *Queue) Push(suggestions ...Suggestion) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, s := range suggestions {
		dup := false
		for _, p := range q.items {
			if p.HabitID == s.HabitID && p.Kind == s.Kind {
				dup = true
				break
			}
		}
		if !dup {
			q.items = append(q.items, s)
		}
	}
}

// Drain returns and removes every pending suggestion. Safe to call on a
// nil queue.
func (q *Queue) Drain() []Suggestion {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	q.items = nil
	return out
}

// Len returns the number of pending suggestions.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
