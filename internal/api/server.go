// Package api serves Alice's status and habit HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/alice/internal/buildinfo"
	"github.com/nugget/alice/internal/connwatch"
	"github.com/nugget/alice/internal/habits"
	"github.com/nugget/alice/internal/memory"
	"github.com/nugget/alice/internal/patterns"
	"github.com/nugget/alice/internal/scheduler"
	"github.com/nugget/alice/internal/situation"
)

// HabitLedger is the part of the habit ledger the API uses.
type HabitLedger interface {
	Snapshot() []habits.Habit
	Get(name string) (habits.Habit, error)
	Track(ctx context.Context, name string, completed bool, opts ...habits.TrackOption) (*habits.Habit, error)
	RegisterBadHabit(ctx context.Context, name string, triggers []string) (*habits.Habit, error)
	MarkMilestone(ctx context.Context, name string, m int) error
	Location() *time.Location
	Degraded() bool
}

// History is the conversation view the API exposes.
type History interface {
	Recent(window int) []memory.Message
	Len() int
	Degraded() bool
}

// SnapshotBuilder produces the current situation.
type SnapshotBuilder interface {
	Build(ctx context.Context) situation.Snapshot
}

// JobLister reports scheduled jobs.
type JobLister interface {
	Jobs() []scheduler.Job
}

// ServiceReporter reports the reachability of backing services.
type ServiceReporter interface {
	Status() map[string]connwatch.ServiceStatus
}

// Deps are the components the server reads. Nil fields disable the
// routes that need them.
type Deps struct {
	Habits    HabitLedger
	History   History
	Situation SnapshotBuilder
	Analyzer  *patterns.Analyzer
	Jobs      JobLister
	Services  ServiceReporter
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
	nowFunc func() time.Time
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withLogging)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.deps.Habits != nil {
			r.Get("/habits", s.handleHabitList)
			r.Get("/habits/{name}", s.handleHabitGet)
			r.Post("/habits/{name}/track", s.handleHabitTrack)
			r.Post("/habits/{name}/bad", s.handleHabitBad)
			if s.deps.Analyzer != nil {
				r.Get("/trends", s.handleTrends)
			}
		}
		if s.deps.History != nil {
			r.Get("/history", s.handleHistory)
		}
		if s.deps.Situation != nil {
			r.Get("/context", s.handleContext)
		}
	})

	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeJSON encodes v with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"name":    "Alice",
		"version": buildinfo.Version,
		"status":  "ok",
	})
}

// handleHealth reports whether persistence is still working and whether
// backing services answer. A degraded store keeps serving from memory,
// so the status code stays 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	storage := map[string]string{}

	if s.deps.History != nil {
		storage["conversation"] = persistence(s.deps.History.Degraded())
	}
	if s.deps.Habits != nil {
		storage["habits"] = persistence(s.deps.Habits.Degraded())
	}
	for _, v := range storage {
		if v != "ok" {
			status = "degraded"
		}
	}

	body := map[string]any{
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().Truncate(time.Second).String(),
		"storage": storage,
	}
	if s.deps.Services != nil {
		services := s.deps.Services.Status()
		for _, svc := range services {
			if !svc.Ready {
				status = "degraded"
			}
		}
		body["services"] = services
	}
	body["status"] = status
	if s.deps.Jobs != nil {
		body["jobs"] = s.deps.Jobs.Jobs()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func persistence(degraded bool) string {
	if degraded {
		return "degraded"
	}
	return "ok"
}
