// Package scheduler runs Alice's recurring background jobs on cron
// schedules, such as the daily habit digest.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the work a job does each time it fires.
type JobFunc func(ctx context.Context) error

// Job describes a registered job and its most recent run.
type Job struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Next      time.Time `json:"next,omitzero"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
}

type job struct {
	Job
	id cron.EntryID
	fn JobFunc
}

// Scheduler fires jobs on standard five-field cron specs in a fixed
// timezone. A job never overlaps with itself.
type Scheduler struct {
	logger  *slog.Logger
	cron    *cron.Cron
	timeout time.Duration

	mu      sync.Mutex
	jobs    map[string]*job
	ctx     context.Context
	running bool
}

// New creates a scheduler. Each run is bounded by timeout; zero means
// no bound.
func New(logger *slog.Logger, loc *time.Location, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		logger:  logger,
		cron:    cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: timeout,
		jobs:    make(map[string]*job),
		ctx:     context.Background(),
	}
}

// Add registers fn under name on the cron spec.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	j := &job{Job: Job{Name: name, Spec: spec}, fn: fn}
	id, err := s.cron.AddFunc(spec, func() { s.run(name) })
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	j.id = id
	s.jobs[name] = j

	s.logger.Debug("job scheduled", "job", name, "spec", spec)
	return nil
}

// Start begins firing jobs. Runs use ctx, so cancelling it aborts any
// job in progress.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx = ctx
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", n)
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunNow runs a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(ctx, j)
}

// Jobs returns every registered job sorted by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := j.Job
		info.Next = s.cron.Entry(j.id).Next
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b Job) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (s *Scheduler) run(name string) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = s.execute(ctx, j)
}

func (s *Scheduler) execute(ctx context.Context, j *job) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := j.fn(ctx)

	s.mu.Lock()
	j.LastRun = start
	j.Runs++
	j.LastError = ""
	if err != nil {
		j.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", "job", j.Name, "error", err)
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	s.logger.Debug("job completed", "job", j.Name, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
