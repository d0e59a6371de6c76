package llm

import (
	"context"
	"fmt"
)

// Stub is a deterministic Generator for deployments without an LLM API key
// and for tests. It echoes a recognizable completion instead of real
// content.
type Stub struct{}

// NewStub creates a stub generator.
func NewStub() *Stub {
	return &Stub{}
}

func (s *Stub) Generate(ctx context.Context, req Request) (*Response, error) {
	text := fmt.Sprintf("[stubbed completion] %.80s", req.Prompt)
	return &Response{Text: text, Model: "stub"}, nil
}
