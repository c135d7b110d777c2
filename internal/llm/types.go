package llm

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Request describes one grounded question for the language model.
type Request struct {
	SessionID   string
	RequestID   string
	Question    string
	Context     string
	History     string
	System      string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend. Generate calls consumer once per
// fragment in order; a consumer error stops generation and is returned.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return NewMockGenerator(), nil
	}
}

// RequestFromConfig fills model parameters and the rendered system prompt.
func RequestFromConfig(cfg config.LLMConfig, question, contextText, history string) Request {
	return Request{
		Question:    question,
		Context:     contextText,
		History:     history,
		System:      BuildSystemPrompt(cfg.SystemPrompt, contextText, history),
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}
