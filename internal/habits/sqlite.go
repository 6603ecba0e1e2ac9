package habits

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteRepository stores habits in the habits and habit_events tables
// created by the database migrations.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository wraps an already-migrated database handle.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// UpsertHabit inserts or updates the habit row. History is written
// separately by AppendEntry.
func (r *SQLiteRepository) UpsertHabit(ctx context.Context, h Habit) error {
	triggers := h.Triggers
	if triggers == nil {
		triggers = []string{}
	}
	triggersJSON, err := json.Marshal(triggers)
	if err != nil {
		return fmt.Errorf("marshal triggers: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO habits (id, name, kind, streak, triggers, last_surfaced_milestone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			streak = excluded.streak,
			triggers = excluded.triggers,
			last_surfaced_milestone = excluded.last_surfaced_milestone,
			updated_at = excluded.updated_at`,
		h.ID, h.Name, string(h.Kind), h.Streak, string(triggersJSON), h.LastSurfacedMilestone,
		formatTime(h.CreatedAt), formatTime(h.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert habit: %w", err)
	}
	return nil
}

// AppendEntry stores one entry for habitID.
func (r *SQLiteRepository) AppendEntry(ctx context.Context, habitID string, e Entry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO habit_events (id, habit_id, seq, at, completed, backfill, trigger_name)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM habit_events WHERE habit_id = ?), ?, ?, ?, ?)`,
		e.ID, habitID, habitID, formatTime(e.At), e.Completed, e.Backfill, e.Trigger,
	)
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// LoadHabits returns every habit with its full history in tracking order.
func (r *SQLiteRepository) LoadHabits(ctx context.Context) ([]Habit, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, kind, streak, triggers, last_surfaced_milestone, created_at, updated_at
		FROM habits
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query habits: %w", err)
	}
	defer rows.Close()

	var out []Habit
	for rows.Next() {
		var (
			h                  Habit
			kind, triggersJSON string
			created, updated   string
		)
		if err := rows.Scan(&h.ID, &h.Name, &kind, &h.Streak, &triggersJSON,
			&h.LastSurfacedMilestone, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan habit: %w", err)
		}
		h.Kind = Kind(kind)
		if err := json.Unmarshal([]byte(triggersJSON), &h.Triggers); err != nil {
			return nil, fmt.Errorf("decode triggers of %q: %w", h.Name, err)
		}
		if len(h.Triggers) == 0 {
			h.Triggers = nil
		}
		if h.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("habit %q created_at: %w", h.Name, err)
		}
		if h.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, fmt.Errorf("habit %q updated_at: %w", h.Name, err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		hist, err := r.loadEntries(ctx, out[i].ID)
		if err != nil {
			return nil, fmt.Errorf("habit %q: %w", out[i].Name, err)
		}
		out[i].History = hist
	}
	return out, nil
}

func (r *SQLiteRepository) loadEntries(ctx context.Context, habitID string) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, at, completed, backfill, trigger_name
		FROM habit_events
		WHERE habit_id = ?
		ORDER BY seq ASC`, habitID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var h Habit
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &at, &e.Completed, &e.Backfill, &e.Trigger); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		h.record(e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Replaying in tracking order rebuilds the in-memory order exactly.
	return h.History, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
