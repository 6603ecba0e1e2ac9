// Package connwatch tracks whether the services a dialog turn depends on
// (the Ollama model server, Home Assistant) are reachable.
//
// A turn never waits on connwatch: the orchestrator and the context
// providers fail fast on their own. The watchers exist so that an outage
// shows up in /health, in the alice_service_up gauge and in the log once
// per transition, instead of as a string of fallback replies.
//
// Each Watcher probes one service in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: polling every 60s, logging ready/down transitions
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/nugget/alice/internal/metrics"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the delay before the first startup retry.
	InitialDelay time.Duration
	// MaxDelay caps the startup backoff.
	MaxDelay time.Duration
	// MaxRetries is the number of startup retries after the first probe.
	MaxRetries int
	// PollInterval is the background check interval.
	PollInterval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s doubling to a 60s cap over ten
// startup retries, then polling every minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs, metrics and /health.
	Name    string
	Probe   ProbeFunc
	Backoff BackoffConfig
	// OnReady runs in its own goroutine when the service becomes
	// reachable. Optional.
	OnReady func()
	// OnDown runs in its own goroutine when a reachable service stops
	// answering. Optional.
	OnDown func(err error)
	Logger *slog.Logger
}

// ServiceStatus is one service's health as reported by /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the service answered its latest probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger

	b := retry.NewExponential(cfg.InitialDelay)
	b = retry.WithCappedDuration(cfg.MaxDelay, b)
	b = retry.WithMaxRetries(uint64(cfg.MaxRetries), b)

	attempts := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		if err := w.check(ctx); err != nil {
			logger.Debug("startup probe failed",
				"service", w.config.Name,
				"attempt", attempts,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		logger.Info("service connected", "service", w.config.Name, "after_attempts", attempts)
	} else {
		logger.Warn("service unreachable, polling in background",
			"service", w.config.Name,
			"attempts", attempts,
			"error", err,
		)
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.check(ctx); err != nil && ctx.Err() == nil {
				logger.Debug("service still unreachable", "service", w.config.Name, "error", err)
			}
		}
	}
}

// check probes once, records the outcome and fires transition callbacks.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	err := w.config.Probe(probeCtx)
	cancel()

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	up := err == nil
	was := w.ready.Swap(up)
	if up {
		metrics.ServiceUp.WithLabelValues(w.config.Name).Set(1)
	} else {
		metrics.ServiceUp.WithLabelValues(w.config.Name).Set(0)
	}

	switch {
	case up && !was:
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case !up && was:
		w.config.Logger.Warn("service became unreachable", "service", w.config.Name, "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	}
	return err
}

// Manager coordinates the service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher that runs until ctx is cancelled
// or Stop is called. An empty Name or nil Probe panics. Zero backoff
// fields take their defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	d := DefaultBackoffConfig()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = d.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = d.MaxDelay
	}
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = d.MaxRetries
	}
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = d.PollInterval
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = d.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Status returns the health of every watched service.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
