// Package llm talks to an OpenAI-compatible chat-completions endpoint.
//
// Content generation is the expensive side of every metered operation, so
// this is the one outbound call that sits between authorize and settle:
// callers must not debit credits unless Generate returned successfully.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the provider failed after retries or the
	// circuit is open.
	ErrUnavailable = errors.New("llm: provider unavailable")
	// ErrBadResponse means the provider answered with an unusable body.
	ErrBadResponse = errors.New("llm: malformed provider response")
)

// Request is a single generation request.
type Request struct {
	// System primes the model with the task persona.
	System string
	// Prompt is the user-facing instruction.
	Prompt string
	// MaxTokens caps the completion length. 0 uses the provider default.
	MaxTokens int
	// Temperature controls sampling. Zero value means provider default.
	Temperature float64
}

// Response is the generated completion.
type Response struct {
	Text       string
	Model      string
	TokensUsed int
}

// Generator produces content from a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
