package api

import (
	"net/http"
	"strconv"

	"github.com/nugget/alice/internal/memory"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs := s.deps.History.Recent(limit)
	if msgs == nil {
		msgs = []memory.Message{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"total":    s.deps.History.Len(),
	})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Situation.Build(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"context":   snap.Fields(),
		"formatted": snap.Format(),
	})
}
