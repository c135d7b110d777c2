package tts

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// ErrEmptyText is returned when there is nothing to speak.
var ErrEmptyText = errors.New("tts: empty text")

// SynthRequest contains parameters to synthesize one sentence.
type SynthRequest struct {
	Text  string
	Voice string
}

// Synthesizer turns a single sentence into a playable audio clip. It keeps
// no state between calls; a failure only concerns that sentence.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) ([]byte, error)
}

// NewSynthesizer builds the backend selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	}
}
