package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// DefaultSystemInstruction asks the model for the reply shape the rest of
// the broker understands: either plain text or a JSON object with text and
// fileTree.
const DefaultSystemInstruction = `You are a senior engineer pair-programming inside a shared project room.
Answer questions directly. When you produce or change code, reply with a JSON object:
{"text": "<short explanation>", "fileTree": {"<path>": {"file": {"contents": "<file contents>"}}}}
Include a package.json with a "start" script that listens on the PORT environment variable when building a web app.`

// Gemini generates replies with the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	system string
}

// NewGemini creates a Gemini backend. An API key is required.
func NewGemini(ctx context.Context, opts Options) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini: api key is required (set GEMINI_API_KEY)")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	system := opts.SystemInstruction
	if system == "" {
		system = DefaultSystemInstruction
	}
	return &Gemini{client: client, model: opts.Model, system: system}, nil
}

// Generate sends one prompt and returns the text of the first candidate.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(g.system, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("gemini: empty response")
	}
	return text, nil
}
