package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteHistory persists conversation messages in the messages table
// created by the database migrations.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory wraps an already-migrated database handle.
func NewSQLiteHistory(db *sql.DB) *SQLiteHistory {
	return &SQLiteHistory{db: db}
}

// SaveMessage appends m after the last stored message of the
// conversation. Saving the same message ID twice is a no-op.
func (h *SQLiteHistory) SaveMessage(ctx context.Context, conversationID string, m Message) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, role, content, timestamp)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, conversationID, conversationID, m.Role, m.Content, m.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// LoadMessages returns the conversation in insertion order.
func (h *SQLiteHistory) LoadMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, role, content, timestamp
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp of message %s: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Count returns the number of stored messages for a conversation.
func (h *SQLiteHistory) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := h.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
