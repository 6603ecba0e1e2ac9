// Package llm talks to the language model that writes Alice's replies.
package llm

import "context"

// Client is the interface a language model backend implements.
type Client interface {
	// Chat sends a complete conversation and returns the model's reply.
	Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error
}
