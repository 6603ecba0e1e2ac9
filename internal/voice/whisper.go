package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/alice/internal/httpkit"
)

// WhisperClient transcribes audio with a whisper.cpp server.
type WhisperClient struct {
	baseURL    string
	language   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWhisperClient creates a client for the server at baseURL. An empty
// language lets the server detect it.
func NewWhisperClient(baseURL, language string, logger *slog.Logger) *WhisperClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhisperClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: language,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(60*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

type whisperResponse struct {
	Text string `json:"text"`
}

// Transcribe posts the clip to /inference and returns the trimmed text.
// Console audio that already carries text is returned as is.
func (c *WhisperClient) Transcribe(ctx context.Context, a Audio) (string, error) {
	if len(a.Data) == 0 {
		if a.Text != "" {
			return a.Text, nil
		}
		return "", &AudioError{Stage: StageTranscribe, Err: errors.New("no audio data")}
	}

	text, err := c.transcribe(ctx, a)
	if err != nil {
		return "", &AudioError{Stage: StageTranscribe, Err: err}
	}
	return text, nil
}

func (c *WhisperClient) transcribe(ctx context.Context, a Audio) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	format := a.Format
	if format == "" {
		format = "wav"
	}
	part, err := w.CreateFormFile("file", "utterance."+format)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(a.Data); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := w.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("write field: %w", err)
	}
	if c.language != "" {
		if err := w.WriteField("language", c.language); err != nil {
			return "", fmt.Errorf("write field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var out whisperResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	text := strings.TrimSpace(out.Text)
	c.logger.Debug("audio transcribed",
		"bytes", len(a.Data),
		"chars", len(text),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	if text == "" {
		return "", errors.New("empty transcription")
	}
	return text, nil
}
