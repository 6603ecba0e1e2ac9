// Package memory provides conversation memory storage.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/nugget/alice/internal/metrics"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultRetryDelay is the pause before the single persistence retry.
const DefaultRetryDelay = 250 * time.Millisecond

// Message represents a conversation message. Messages are immutable once
// appended.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // system, user, assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Persister durably records conversation history.
type Persister interface {
	SaveMessage(ctx context.Context, conversationID string, m Message) error
	LoadMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// StorageError reports that a message could not be persisted. The
// message is still held in memory.
type StorageError struct {
	MessageID string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("persist message %s: %v", e.MessageID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store holds the ordered history of a single conversation. Reads are
// served from memory; writes go through the optional Persister.
type Store struct {
	conversationID string
	persister      Persister
	retryDelay     time.Duration
	logger         *slog.Logger
	nowFunc        func() time.Time

	// writeMu serializes Append so persistence order matches memory order.
	writeMu sync.Mutex

	mu       sync.RWMutex
	messages []Message
	degraded bool
}

// Option configures a Store.
type Option func(*Store)

// WithPersister attaches durable storage.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRetryDelay overrides the backoff before the persistence retry.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) { s.retryDelay = d }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFunc = now }
}

// NewStore creates a conversation store for conversationID.
func NewStore(conversationID string, opts ...Option) *Store {
	s := &Store{
		conversationID: conversationID,
		retryDelay:     DefaultRetryDelay,
		logger:         slog.Default(),
		nowFunc:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ConversationID returns the identifier this store persists under.
func (s *Store) ConversationID() string {
	return s.conversationID
}

// Load replaces the in-memory history with the persisted one. It is
// called once at startup, before the first turn.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	msgs, err := s.persister.LoadMessages(ctx, s.conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", s.conversationID, err)
	}

	s.mu.Lock()
	s.messages = msgs
	s.mu.Unlock()

	s.logger.Info("conversation history loaded",
		"conversation_id", s.conversationID,
		"messages", len(msgs),
	)
	return nil
}

// Append adds a message to the end of the history. The message is
// always kept in memory. If persistence fails after one retry the store
// stops persisting for the rest of the process and a *StorageError is
// returned alongside the message.
func (s *Store) Append(ctx context.Context, role, content string) (Message, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	msg := Message{
		ID:        id.String(),
		Role:      role,
		Content:   content,
		Timestamp: s.nowFunc(),
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	persist := s.persister != nil && !s.degraded
	metrics.HistoryMessages.Set(float64(len(s.messages)))
	s.mu.Unlock()

	if !persist {
		return msg, nil
	}

	if err := s.save(ctx, msg); err != nil {
		s.mu.Lock()
		s.degraded = true
		s.mu.Unlock()
		metrics.StorageFailures.WithLabelValues("conversation").Inc()

		s.logger.Error("conversation persistence failed, continuing in memory only",
			"conversation_id", s.conversationID,
			"message_id", msg.ID,
			"error", err,
		)
		return msg, &StorageError{MessageID: msg.ID, Err: err}
	}

	return msg, nil
}

// save writes msg with at most one retry.
func (s *Store) save(ctx context.Context, msg Message) error {
	var lastErr error
	backoff := retry.WithMaxRetries(1, retry.NewConstant(s.retryDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.persister.SaveMessage(ctx, s.conversationID, msg); err != nil {
			lastErr = err
			s.logger.Warn("message save failed",
				"conversation_id", s.conversationID,
				"message_id", msg.ID,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}

// Recent returns the last window messages in insertion order. The
// result is a copy. A negative window is a programming error.
func (s *Store) Recent(window int) []Message {
	if window < 0 {
		panic(fmt.Sprintf("memory: negative window %d", window))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.messages)
	if window > n {
		window = n
	}
	out := make([]Message, window)
	copy(out, s.messages[n-window:])
	return out
}

// FullHistory returns a copy of the entire ordered history.
func (s *Store) FullHistory() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Degraded reports whether persistence has been abandoned.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Stats returns memory statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]any{
		"conversation_id": s.conversationID,
		"messages":        len(s.messages),
		"persistent":      s.persister != nil,
		"degraded":        s.degraded,
	}
}
