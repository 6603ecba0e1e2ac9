// Package assistant drives the conversation: listen, transcribe, respond,
// speak, one turn at a time until the user says goodbye or input ends.
package assistant

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"unicode"

	"github.com/nugget/alice/internal/agent"
	"github.com/nugget/alice/internal/events"
	"github.com/nugget/alice/internal/metrics"
	"github.com/nugget/alice/internal/voice"
)

// DefaultFallback is spoken when no reply could be produced.
const DefaultFallback = "Sorry, I lost my train of thought. Could you say that again?"

// DefaultFarewell is spoken when the user ends the conversation.
const DefaultFarewell = "Goodbye!"

// Responder produces a reply for one user utterance.
type Responder interface {
	Respond(ctx context.Context, text string) (string, error)
}

// Loop runs turns sequentially. A turn finishes, including history
// writes, before the next one listens.
type Loop struct {
	listener    voice.Listener
	transcriber voice.Transcriber
	speaker     voice.Speaker
	responder   Responder

	fallback    string
	farewell    string
	exitPhrases map[string]struct{}
	logger      *slog.Logger
	bus         *events.Bus
}

// Option configures a Loop.
type Option func(*Loop)

// WithFallback sets the utterance spoken after an inference failure.
func WithFallback(text string) Option {
	return func(l *Loop) {
		if text != "" {
			l.fallback = text
		}
	}
}

// WithFarewell sets the utterance spoken on an exit phrase.
func WithFarewell(text string) Option {
	return func(l *Loop) { l.farewell = text }
}

// WithExitPhrases replaces the phrases that end the conversation.
func WithExitPhrases(phrases []string) Option {
	return func(l *Loop) {
		l.exitPhrases = make(map[string]struct{}, len(phrases))
		for _, p := range phrases {
			if p = normalizeUtterance(p); p != "" {
				l.exitPhrases[p] = struct{}{}
			}
		}
	}
}

// WithLogger sets the loop's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithEventBus publishes audio failures to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(l *Loop) { l.bus = bus }
}

// New creates a loop over the given voice endpoints and responder.
func New(listener voice.Listener, transcriber voice.Transcriber, speaker voice.Speaker, responder Responder, opts ...Option) *Loop {
	l := &Loop{
		listener:    listener,
		transcriber: transcriber,
		speaker:     speaker,
		responder:   responder,
		fallback:    DefaultFallback,
		farewell:    DefaultFarewell,
		logger:      slog.Default(),
	}
	WithExitPhrases([]string{"goodbye", "goodbye alice"})(l)
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run processes turns until input ends, an exit phrase is heard, or ctx
// is cancelled. Turn failures never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("conversation started")
	for {
		if ctx.Err() != nil {
			l.logger.Info("conversation interrupted")
			return nil
		}
		if !l.Turn(ctx) {
			l.logger.Info("conversation ended")
			return nil
		}
	}
}

// Turn runs one listen, respond, speak cycle. It returns false when the
// conversation should end.
func (l *Loop) Turn(ctx context.Context) bool {
	audio, err := l.listener.Listen(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return false
		}
		l.audioFailed(voice.StageListen, err)
		return true
	}

	text, err := l.transcriber.Transcribe(ctx, audio)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		l.audioFailed(voice.StageTranscribe, err)
		return true
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}

	if l.isExit(text) {
		if l.farewell != "" {
			l.speak(ctx, l.farewell)
		}
		return false
	}

	reply, err := l.responder.Respond(ctx, text)
	if err != nil {
		var ierr *agent.InferenceError
		if errors.As(err, &ierr) {
			l.logger.Warn("no reply, using fallback", "timeout", ierr.Timeout, "error", ierr.Err)
		} else {
			l.logger.Error("respond failed, using fallback", "error", err)
		}
		reply = l.fallback
	}

	l.speak(ctx, reply)
	return true
}

func (l *Loop) speak(ctx context.Context, text string) {
	if err := l.speaker.Speak(ctx, text); err != nil && ctx.Err() == nil {
		l.audioFailed(voice.StageSpeak, err)
	}
}

// audioFailed records a skipped turn.
func (l *Loop) audioFailed(stage voice.Stage, err error) {
	var aerr *voice.AudioError
	if errors.As(err, &aerr) {
		stage = aerr.Stage
	}
	metrics.AudioErrors.WithLabelValues(string(stage)).Inc()
	l.logger.Warn("audio failure, skipping turn", "stage", stage, "error", err)
	l.bus.Publish(events.Event{
		Source: events.SourceVoice,
		Kind:   events.KindAudioError,
		Data:   map[string]any{"stage": string(stage), "error": err.Error()},
	})
}

func (l *Loop) isExit(text string) bool {
	_, ok := l.exitPhrases[normalizeUtterance(text)]
	return ok
}

// normalizeUtterance lowercases s, drops punctuation and collapses
// whitespace so "Goodbye, Alice!" matches "goodbye alice".
func normalizeUtterance(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
