package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/alice/internal/api"
	"github.com/nugget/alice/internal/assistant"
	"github.com/nugget/alice/internal/buildinfo"
	"github.com/nugget/alice/internal/connwatch"
	"github.com/nugget/alice/internal/mqtt"
	"github.com/nugget/alice/internal/scheduler"
)

const (
	// jobTimeout bounds a single scheduled job run.
	jobTimeout = 2 * time.Minute
	// shutdownTimeout bounds draining the API and MQTT session.
	shutdownTimeout = 10 * time.Second
)

// runServe handles "alice serve". It runs the status API, the daily
// digest and the MQTT publisher until SIGINT or SIGTERM. In audio mode
// the voice loop runs alongside them; a spoken goodbye ends the
// conversation but not the services.
//
// The shutdown sequence is:
//  1. The signal cancels the context and the voice loop returns
//  2. The API drains in-flight requests and MQTT goes offline
//  3. The scheduler stops and the habit ledger is flushed
func runServe(ctx context.Context, stdin io.Reader, stdout io.Writer, flags globalFlags) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, stdout, flags.configPath)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("starting Alice",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
		"config", a.cfgPath,
	)

	sched, err := a.startScheduler(ctx)
	if err != nil {
		return err
	}
	defer sched.Stop()

	stopMQTT, err := a.startMQTT(ctx)
	if err != nil {
		return err
	}
	defer stopMQTT()

	watch := a.startWatch(ctx)
	defer watch.Stop()

	serverErr := make(chan error, 1)
	var server *api.Server
	if a.cfg.Listen.Port > 0 {
		server = api.NewServer(a.cfg.Listen.Address, a.cfg.Listen.Port, api.Deps{
			Habits:    a.ledger,
			History:   a.history,
			Situation: a.builder,
			Analyzer:  a.analyzer,
			Jobs:      sched,
			Services:  watch,
		}, a.logger)
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	} else {
		a.logger.Info("API server disabled", "reason", "listen.port is 0")
	}

	if a.cfg.Voice.Mode == "audio" {
		loop, err := a.newLoop(stdin, stdout)
		if err != nil {
			return err
		}
		go func() {
			if err := loop.Run(ctx); err != nil {
				a.logger.Error("voice loop failed", "error", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("API server: %w", err)
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("API shutdown incomplete", "error", err)
		}
	}
	return runErr
}

// runChat handles "alice chat". It runs the voice loop in the foreground
// until the user says goodbye, input ends, or a signal arrives. Logs go to
// stderr so they do not interleave with the conversation on stdout.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, flags globalFlags) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, stderr, flags.configPath)
	if err != nil {
		return err
	}
	defer a.close()

	sched, err := a.startScheduler(ctx)
	if err != nil {
		return err
	}
	defer sched.Stop()

	stopMQTT, err := a.startMQTT(ctx)
	if err != nil {
		return err
	}
	defer stopMQTT()

	loop, err := a.newLoop(stdin, stdout)
	if err != nil {
		return err
	}
	return loop.Run(ctx)
}

// newLoop builds the main voice loop over the configured voice chain.
func (a *app) newLoop(stdin io.Reader, stdout io.Writer) (*assistant.Loop, error) {
	listener, transcriber, speaker, err := a.newVoice(stdin, stdout)
	if err != nil {
		return nil, fmt.Errorf("voice: %w", err)
	}
	return assistant.New(listener, transcriber, speaker, a.dialog,
		assistant.WithFallback(a.cfg.Dialog.FallbackResponse),
		assistant.WithExitPhrases(a.cfg.Voice.ExitPhrases),
		assistant.WithLogger(a.logger),
		assistant.WithEventBus(a.bus),
	), nil
}

// startScheduler registers the daily digest and starts the scheduler.
// An empty digest schedule leaves the scheduler running with no jobs.
func (a *app) startScheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	sched := scheduler.New(a.logger, a.cfg.Location(), jobTimeout)

	if spec := a.cfg.Habits.DigestSchedule; spec != "" {
		digest := scheduler.NewDigest(a.analyzer, a.ledger, a.queue, a.bus, a.logger)
		if err := sched.Add("digest", spec, digest.Run); err != nil {
			return nil, fmt.Errorf("schedule digest: %w", err)
		}
	}

	sched.Start(ctx)
	return sched, nil
}

// startWatch begins probing the model server and, when configured, Home
// Assistant. The Home Assistant watcher logs the instance details on
// each reconnect.
func (a *app) startWatch(ctx context.Context) *connwatch.Manager {
	m := connwatch.NewManager(a.logger)

	m.Watch(ctx, connwatch.WatcherConfig{
		Name:    "ollama",
		Probe:   a.llm.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
	})

	if ha := a.ha; ha != nil {
		m.Watch(ctx, connwatch.WatcherConfig{
			Name:    "homeassistant",
			Probe:   ha.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
			OnReady: func() {
				infoCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if haCfg, err := ha.GetConfig(infoCtx); err == nil {
					a.logger.Info("connected to Home Assistant",
						"url", a.cfg.HomeAssistant.URL,
						"version", haCfg.Version,
						"location", haCfg.LocationName,
					)
				}
			},
		})
	}
	return m
}

// startMQTT starts the habit sensor publisher when a broker is
// configured. The returned function takes the device offline.
func (a *app) startMQTT(ctx context.Context) (func(), error) {
	if !a.cfg.MQTT.Configured() {
		return func() {}, nil
	}

	instanceID, err := mqtt.LoadOrCreateInstanceID(a.cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("mqtt instance id: %w", err)
	}

	pub := mqtt.New(a.cfg.MQTT, instanceID, a.ledger, a.bus, a.logger)
	if err := pub.Start(ctx); err != nil {
		return nil, fmt.Errorf("start mqtt: %w", err)
	}

	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := pub.Stop(stopCtx); err != nil {
			a.logger.Warn("mqtt shutdown incomplete", "error", err)
		}
	}, nil
}
