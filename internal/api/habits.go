package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nugget/alice/internal/habits"
	"github.com/nugget/alice/internal/patterns"
)

// habitView is the JSON form of a habit. History is only included for
// single-habit requests.
type habitView struct {
	ID                    string         `json:"id"`
	Name                  string         `json:"name"`
	Kind                  habits.Kind    `json:"kind"`
	Streak                int            `json:"streak"`
	Triggers              []string       `json:"triggers,omitempty"`
	LastCompleted         string         `json:"last_completed,omitempty"`
	LastSurfacedMilestone int            `json:"last_surfaced_milestone"`
	Entries               int            `json:"entries"`
	History               []habits.Entry `json:"history,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	Warning               string         `json:"warning,omitempty"`
}

func (s *Server) view(h habits.Habit, withHistory bool) habitView {
	v := habitView{
		ID:                    h.ID,
		Name:                  h.Name,
		Kind:                  h.Kind,
		Streak:                h.Streak,
		Triggers:              h.Triggers,
		LastSurfacedMilestone: h.LastSurfacedMilestone,
		Entries:               len(h.History),
		CreatedAt:             h.CreatedAt,
		UpdatedAt:             h.UpdatedAt,
	}
	if day, ok := h.LastCompletedDay(s.deps.Habits.Location()); ok {
		v.LastCompleted = day.Format(time.DateOnly)
	}
	if withHistory {
		v.History = h.History
	}
	return v
}

func (s *Server) handleHabitList(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Habits.Snapshot()
	out := make([]habitView, 0, len(list))
	for _, h := range list {
		out = append(out, s.view(h, false))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"habits": out})
}

func (s *Server) handleHabitGet(w http.ResponseWriter, r *http.Request) {
	h, err := s.deps.Habits.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.habitError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(h, true))
}

// trackRequest is the body of POST /v1/habits/{name}/track. Completed
// defaults to true; At accepts a date or an RFC 3339 time.
type trackRequest struct {
	Completed *bool  `json:"completed,omitempty"`
	At        string `json:"at,omitempty"`
	Backfill  bool   `json:"backfill,omitempty"`
	Trigger   string `json:"trigger,omitempty"`
}

func (s *Server) handleHabitTrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	completed := true
	if req.Completed != nil {
		completed = *req.Completed
	}

	var opts []habits.TrackOption
	if req.At != "" {
		at, err := habits.ParseWhen(req.At, s.deps.Habits.Location())
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		opts = append(opts, habits.At(at))
	}
	if req.Backfill {
		opts = append(opts, habits.Backfill())
	}
	if req.Trigger != "" {
		opts = append(opts, habits.WithTrigger(req.Trigger))
	}

	h, err := s.deps.Habits.Track(r.Context(), chi.URLParam(r, "name"), completed, opts...)
	s.habitResult(w, h, err)
}

type badHabitRequest struct {
	Triggers []string `json:"triggers"`
}

func (s *Server) handleHabitBad(w http.ResponseWriter, r *http.Request) {
	var req badHabitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h, err := s.deps.Habits.RegisterBadHabit(r.Context(), chi.URLParam(r, "name"), req.Triggers)
	s.habitResult(w, h, err)
}

// habitResult writes a mutation result. A storage failure still
// returns the updated habit, with a warning.
func (s *Server) habitResult(w http.ResponseWriter, h *habits.Habit, err error) {
	var serr *habits.StorageError
	if err != nil && !errors.As(err, &serr) {
		s.habitError(w, err)
		return
	}

	v := s.view(*h, false)
	if serr != nil {
		v.Warning = "not persisted: " + serr.Err.Error()
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) habitError(w http.ResponseWriter, err error) {
	var notFound *habits.NotFoundError
	var outOfOrder *habits.OutOfOrderError

	switch {
	case errors.As(err, &notFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.As(err, &outOfOrder):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, habits.ErrEmptyName):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("habit request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	trends := s.deps.Analyzer.Trends(s.deps.Habits, s.nowFunc())
	if trends == nil {
		trends = []patterns.Trend{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"trends": trends})
}
