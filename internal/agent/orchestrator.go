// Package agent runs a single dialog turn: it gathers the situation and
// any pending suggestions, builds the prompt, asks the model for a
// reply, and records the exchange.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/alice/internal/config"
	"github.com/nugget/alice/internal/events"
	"github.com/nugget/alice/internal/llm"
	"github.com/nugget/alice/internal/memory"
	"github.com/nugget/alice/internal/metrics"
	"github.com/nugget/alice/internal/patterns"
	"github.com/nugget/alice/internal/prompts"
	"github.com/nugget/alice/internal/situation"
)

// History is the conversation store a turn reads and appends to.
type History interface {
	Append(ctx context.Context, role, content string) (memory.Message, error)
	Recent(window int) []memory.Message
}

// SnapshotBuilder produces the situation for a turn.
type SnapshotBuilder interface {
	Build(ctx context.Context) situation.Snapshot
}

// Suggester supplies the proactive suggestions for a turn and takes back
// those a failed turn could not deliver.
type Suggester interface {
	Suggestions(ctx context.Context) []patterns.Suggestion
	Requeue(suggestions []patterns.Suggestion)
}

// Config holds per-turn model and prompt settings.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// Window is how many past messages go into the prompt.
	Window int
	// TurnTimeout bounds the whole turn, including inference.
	TurnTimeout time.Duration
	// Persona is the rendered system persona.
	Persona string
}

// Orchestrator runs dialog turns. Turns are expected to be sequential.
type Orchestrator struct {
	cfg       Config
	llm       llm.Client
	history   History
	situation SnapshotBuilder
	suggester Suggester
	logger    *slog.Logger
	bus       *events.Bus
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSuggester attaches a source of proactive suggestions.
func WithSuggester(s Suggester) Option {
	return func(o *Orchestrator) { o.suggester = s }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEventBus publishes turn events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// New creates an orchestrator.
func New(cfg Config, client llm.Client, history History, builder SnapshotBuilder, opts ...Option) *Orchestrator {
	if cfg.Persona == "" {
		cfg.Persona = prompts.Persona("", "")
	}
	o := &Orchestrator{
		cfg:       cfg,
		llm:       client,
		history:   history,
		situation: builder,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Respond runs one turn with the configured history window.
func (o *Orchestrator) Respond(ctx context.Context, text string) (string, error) {
	return o.RespondWindow(ctx, text, o.cfg.Window)
}

// RespondWindow runs one turn using the last window messages as context.
// On failure it returns an *InferenceError and the history holds the
// user's message but no reply. Storage failures are logged and do not
// fail the turn.
func (o *Orchestrator) RespondWindow(ctx context.Context, text string, window int) (string, error) {
	turnID := newTurnID()
	log := o.logger.With("turn_id", turnID)
	start := time.Now()

	// History writes outlive the turn deadline so a timed-out turn still
	// records what the user said.
	storeCtx := context.WithoutCancel(ctx)

	turnCtx := ctx
	if o.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, o.cfg.TurnTimeout)
		defer cancel()
	}

	log.Info("turn started", "window", window, "chars", len(text))
	o.bus.Publish(events.Event{
		Source: events.SourceDialog,
		Kind:   events.KindTurnStart,
		Data:   map[string]any{"turn_id": turnID, "input_len": len(text)},
	})

	snap := o.situation.Build(situation.WithUtterance(turnCtx, text))

	var suggestions []patterns.Suggestion
	if o.suggester != nil {
		suggestions = o.suggester.Suggestions(turnCtx)
	}

	msgs := o.buildMessages(snap, o.history.Recent(window), suggestions, text)
	log.Log(turnCtx, config.LevelTrace, "prompt assembled", "messages", len(msgs), "suggestions", len(suggestions))

	reply, err := o.infer(turnCtx, msgs)
	if err != nil {
		o.record(storeCtx, log, memory.RoleUser, text)
		if len(suggestions) > 0 {
			o.suggester.Requeue(suggestions)
		}

		ierr := &InferenceError{
			Timeout: errors.Is(err, context.DeadlineExceeded) || errors.Is(turnCtx.Err(), context.DeadlineExceeded),
			Err:     err,
		}
		outcome := "error"
		if ierr.Timeout {
			outcome = "timeout"
		}
		metrics.Turns.WithLabelValues(outcome).Inc()
		log.Warn("turn failed",
			"timeout", ierr.Timeout,
			"elapsed", time.Since(start).Round(time.Millisecond),
			"error", err,
		)
		o.bus.Publish(events.Event{
			Source: events.SourceDialog,
			Kind:   events.KindTurnFailed,
			Data:   map[string]any{"turn_id": turnID, "timeout": ierr.Timeout, "error": err.Error()},
		})
		return "", ierr
	}

	o.record(storeCtx, log, memory.RoleUser, text)
	o.record(storeCtx, log, memory.RoleAssistant, reply)

	metrics.Turns.WithLabelValues("ok").Inc()
	log.Info("turn completed",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"reply_chars", len(reply),
	)
	o.bus.Publish(events.Event{
		Source: events.SourceDialog,
		Kind:   events.KindTurnComplete,
		Data: map[string]any{
			"turn_id":     turnID,
			"model":       o.cfg.Model,
			"suggestions": len(suggestions),
			"elapsed_ms":  time.Since(start).Milliseconds(),
		},
	})
	return reply, nil
}

// buildMessages lays out the prompt: persona with the situation, recent
// history, suggestion directives, then the new user message.
func (o *Orchestrator) buildMessages(snap situation.Snapshot, recent []memory.Message, suggestions []patterns.Suggestion, text string) []llm.Message {
	msgs := make([]llm.Message, 0, len(recent)+3)
	msgs = append(msgs, llm.Message{
		Role:    memory.RoleSystem,
		Content: prompts.SystemPrompt(o.cfg.Persona, snap.Format()),
	})
	for _, m := range recent {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}

	if len(suggestions) > 0 {
		items := make([]string, 0, len(suggestions))
		for _, s := range suggestions {
			items = append(items, s.Text)
		}
		msgs = append(msgs, llm.Message{Role: memory.RoleSystem, Content: prompts.Directives(items)})
	}

	return append(msgs, llm.Message{Role: memory.RoleUser, Content: text})
}

func (o *Orchestrator) infer(ctx context.Context, msgs []llm.Message) (string, error) {
	start := time.Now()
	resp, err := o.llm.Chat(ctx, o.cfg.Model, msgs, llm.Options{
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	})
	metrics.InferenceLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}

	reply := strings.TrimSpace(resp.Message.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}

	o.logger.Debug("model replied",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"duration", resp.TotalDuration,
	)
	return reply, nil
}

func (o *Orchestrator) record(ctx context.Context, log *slog.Logger, role, content string) {
	if _, err := o.history.Append(ctx, role, content); err != nil {
		log.Error("failed to store message", "role", role, "error", err)
	}
}

func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()[:8]
	}
	s := id.String()
	return s[len(s)-8:]
}
