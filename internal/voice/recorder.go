package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// CommandRecorder captures audio by running an external recorder such
// as arecord and reading the clip from its stdout.
type CommandRecorder struct {
	command []string
	format  string
	logger  *slog.Logger
}

// NewCommandRecorder creates a recorder for command, whose first element
// is the program. The clip is labeled with format (e.g. "wav").
func NewCommandRecorder(command []string, format string, logger *slog.Logger) (*CommandRecorder, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("record command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if format == "" {
		format = "wav"
	}
	return &CommandRecorder{command: command, format: format, logger: logger}, nil
}

// Listen runs the recorder once and returns what it captured.
func (r *CommandRecorder) Listen(ctx context.Context) (Audio, error) {
	data, err := runCommand(ctx, r.command, nil)
	if err != nil {
		return Audio{}, &AudioError{Stage: StageListen, Err: err}
	}
	if len(data) == 0 {
		return Audio{}, &AudioError{Stage: StageListen, Err: errors.New("recorder produced no audio")}
	}

	r.logger.Debug("audio captured", "bytes", len(data), "format", r.format)
	return Audio{Data: data, Format: r.format}, nil
}

// runCommand executes command with stdin and returns its stdout.
func runCommand(ctx context.Context, command []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", command[0], err, msg)
		}
		return nil, fmt.Errorf("%s: %w", command[0], err)
	}
	return stdout.Bytes(), nil
}
