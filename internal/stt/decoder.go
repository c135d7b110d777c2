package stt

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Cache is decoder state carried between frames of one utterance. Its
// contents belong to the Decoder; nil means a fresh utterance.
type Cache any

// Decoder abstracts incremental STT backends.
type Decoder interface {
	// Decode feeds 16-bit little-endian PCM and returns the current partial text.
	Decode(ctx context.Context, cache Cache, pcm []byte) (string, Cache, error)
	// Finalize closes the utterance and returns its last fragment and a fresh cache.
	Finalize(ctx context.Context, cache Cache) (string, Cache, error)
}

// NewDecoder builds the backend selected by cfg.Mode.
func NewDecoder(cfg config.STTConfig) (Decoder, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecDecoder(cfg)
	default:
		return NewMockDecoder(), nil
	}
}

// Transcribe runs a one-shot recognition over a complete recording.
func Transcribe(ctx context.Context, decoder Decoder, pcm []byte) (string, error) {
	partial, cache, err := decoder.Decode(ctx, nil, pcm)
	if err != nil {
		return "", err
	}
	full, last := MergeTranscript("", "", strings.TrimSpace(partial))
	final, _, err := decoder.Finalize(ctx, cache)
	if err != nil {
		return "", err
	}
	if final = strings.TrimSpace(final); final != "" {
		full, _ = MergeTranscript(full, last, final)
	}
	return strings.TrimSpace(full), nil
}
