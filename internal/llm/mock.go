package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
}

// NewMockGenerator streams a canned two-sentence answer word by word.
func NewMockGenerator() Generator { return &mockGenerator{delay: 15 * time.Millisecond} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	answer := "This is a mock answer about " + strings.TrimSpace(req.Question) + ". It was generated without a model"
	words := strings.SplitAfter(answer, " ")
	start := time.Now()
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		if err := consumer(Chunk{
			Content: word,
			Partial: i < len(words)-1,
			Latency: time.Since(start),
		}); err != nil {
			return err
		}
	}
	return nil
}
