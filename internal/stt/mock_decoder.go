package stt

import (
	"context"
)

const mockPhrase = "this is a mock transcript"

// bytes of 16 kHz mono PCM that reveal one more rune of the phrase
const mockBytesPerRune = 3200

type mockDecoder struct{}

type mockCache struct {
	received int
}

func NewMockDecoder() Decoder {
	return &mockDecoder{}
}

func (m *mockDecoder) Decode(ctx context.Context, cache Cache, pcm []byte) (string, Cache, error) {
	if err := ctx.Err(); err != nil {
		return "", cache, err
	}
	state, _ := cache.(*mockCache)
	if state == nil {
		state = &mockCache{}
	}
	state.received += len(pcm)
	return reveal(state.received / mockBytesPerRune), state, nil
}

func (m *mockDecoder) Finalize(_ context.Context, cache Cache) (string, Cache, error) {
	state, _ := cache.(*mockCache)
	if state == nil || state.received == 0 {
		return "", nil, nil
	}
	return mockPhrase, nil, nil
}

func reveal(n int) string {
	runes := []rune(mockPhrase)
	if n > len(runes) {
		n = len(runes)
	}
	return string(runes[:n])
}
