package stt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-audio/wav"
)

// ErrInvalidContainer is returned for frames that announce a RIFF header but
// cannot be decoded as WAVE audio.
var ErrInvalidContainer = errors.New("invalid audio container")

// IsContainer reports whether frame starts with a RIFF header.
func IsContainer(frame []byte) bool {
	return len(frame) > 4 && string(frame[:4]) == "RIFF"
}

// UnwrapFrame returns 16-bit little-endian PCM. Raw frames pass through
// untouched; WAV containers are decoded and rescaled to 16 bits.
func UnwrapFrame(frame []byte) ([]byte, error) {
	if !IsContainer(frame) {
		return frame, nil
	}
	dec := wav.NewDecoder(bytes.NewReader(frame))
	if !dec.IsValidFile() {
		return nil, ErrInvalidContainer
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContainer, err)
	}
	depth := int(dec.BitDepth)
	if depth == 0 {
		depth = 16
	}
	out := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(rescale(sample, depth))))
	}
	return out, nil
}

func rescale(sample, depth int) int {
	switch {
	case depth == 8:
		// 8-bit WAV is unsigned
		return (sample - 128) << 8
	case depth > 16:
		return sample >> (depth - 16)
	default:
		return sample
	}
}
