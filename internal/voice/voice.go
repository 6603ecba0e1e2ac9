// Package voice is Alice's audio boundary: capturing the user's speech,
// turning it into text, and reading replies aloud. The console
// implementation stands in for all three when running in a terminal.
package voice

import (
	"context"
	"fmt"
)

// Stage names the step of a turn that touched audio.
type Stage string

const (
	StageListen     Stage = "listen"
	StageTranscribe Stage = "transcribe"
	StageSpeak      Stage = "speak"
)

// Audio is one captured utterance. Console input carries Text directly
// and no Data.
type Audio struct {
	Data   []byte
	Format string
	Text   string
}

// Listener captures the next utterance. It returns io.EOF when no more
// input will arrive.
type Listener interface {
	Listen(ctx context.Context) (Audio, error)
}

// Transcriber turns captured audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, a Audio) (string, error)
}

// Speaker delivers a reply to the user.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// AudioError reports a failed voice step. It is scoped to a single turn.
type AudioError struct {
	Stage Stage
	Err   error
}

func (e *AudioError) Error() string {
	return fmt.Sprintf("voice %s: %v", e.Stage, e.Err)
}

func (e *AudioError) Unwrap() error { return e.Err }
