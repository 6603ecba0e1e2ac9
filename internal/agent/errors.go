package agent

import (
	"errors"
	"fmt"
)

// ErrEmptyReply is wrapped by InferenceError when the model answered
// with nothing but whitespace.
var ErrEmptyReply = errors.New("model returned an empty reply")

// InferenceError means no reply was produced for a turn. The user's
// message has still been recorded in history.
type InferenceError struct {
	// Timeout is set when the turn deadline expired.
	Timeout bool
	Err     error
}

func (e *InferenceError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("inference timed out: %v", e.Err)
	}
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
