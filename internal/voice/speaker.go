package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/alice/internal/httpkit"
)

// Player plays a synthesized clip.
type Player func(ctx context.Context, audio []byte) error

// CommandPlayer pipes clips to an external player such as aplay.
func CommandPlayer(command []string) Player {
	return func(ctx context.Context, audio []byte) error {
		if len(command) == 0 || command[0] == "" {
			return errors.New("play command is empty")
		}
		_, err := runCommand(ctx, command, audio)
		return err
	}
}

// HTTPSpeaker synthesizes speech with an OpenAI-compatible
// /v1/audio/speech endpoint and hands the clip to a Player.
type HTTPSpeaker struct {
	baseURL    string
	model      string
	voice      string
	play       Player
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPSpeaker creates a speaker for the TTS server at baseURL.
func NewHTTPSpeaker(baseURL, model, voice string, play Player, logger *slog.Logger) *HTTPSpeaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSpeaker{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		voice:   voice,
		play:    play,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(60*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

type speechRequest struct {
	Model          string `json:"model,omitempty"`
	Input          string `json:"input"`
	Voice          string `json:"voice,omitempty"`
	ResponseFormat string `json:"response_format"`
}

// Speak synthesizes text, stripped of markdown, and plays it.
func (s *HTTPSpeaker) Speak(ctx context.Context, text string) error {
	text = PlainText(text)
	if text == "" {
		return nil
	}

	clip, err := s.synthesize(ctx, text)
	if err != nil {
		return &AudioError{Stage: StageSpeak, Err: err}
	}
	if s.play == nil {
		return &AudioError{Stage: StageSpeak, Err: errors.New("no player configured")}
	}
	if err := s.play(ctx, clip); err != nil {
		return &AudioError{Stage: StageSpeak, Err: fmt.Errorf("play: %w", err)}
	}
	return nil
}

func (s *HTTPSpeaker) synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(speechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: "wav",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	clip, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(clip) == 0 {
		return nil, errors.New("tts returned no audio")
	}

	s.logger.Debug("speech synthesized",
		"chars", len(text),
		"bytes", len(clip),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return clip, nil
}
