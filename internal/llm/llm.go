// Package llm holds the generation backends the assistant participant talks
// to. The mediator only sees the Backend interface.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Backend turns a prompt into a reply.
type Backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to Backend.
type Func func(ctx context.Context, prompt string) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

// Echo replies with the prompt itself. It is the offline provider.
type Echo struct{}

// Generate returns the prompt, or a fixed line for an empty prompt.
func (Echo) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(prompt) == "" {
		return "You addressed me without a question.", nil
	}
	return prompt, nil
}

// Options selects and configures a backend.
type Options struct {
	Provider          string
	Model             string
	APIKey            string
	SystemInstruction string
}

// New builds the backend named by opts.Provider.
func New(ctx context.Context, opts Options) (Backend, error) {
	switch strings.ToLower(opts.Provider) {
	case "", "gemini":
		return NewGemini(ctx, opts)
	case "echo":
		return Echo{}, nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", opts.Provider)
	}
}
