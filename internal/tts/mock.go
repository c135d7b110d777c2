package tts

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
}

// NewMockSynth returns a synthesizer that produces silence, 60 ms per rune.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: 20 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyText
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.delay):
	}
	frames := m.sampleRate * 60 / 1000 * utf8.RuneCountInString(text)
	return encodeWAV(make([]byte, frames*m.channels*2), m.sampleRate, m.channels)
}
