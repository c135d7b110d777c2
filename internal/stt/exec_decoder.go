package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/mattn/go-shellwords"
)

// execDecoder shells out to a recognizer that reads a WAV file and prints
// {"text": "..."}; interim passes add --partial.
type execDecoder struct {
	cmd []string
	cfg config.STTConfig
	mu  sync.Mutex
}

type execCache struct {
	pcm []byte
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecDecoder(cfg config.STTConfig) (Decoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execDecoder{cmd: args, cfg: cfg}, nil
}

func (d *execDecoder) Decode(ctx context.Context, cache Cache, pcm []byte) (string, Cache, error) {
	state, _ := cache.(*execCache)
	if state == nil {
		state = &execCache{}
	}
	state.pcm = append(state.pcm, pcm...)
	text, err := d.run(ctx, state.pcm, false)
	if err != nil {
		return "", state, err
	}
	return text, state, nil
}

func (d *execDecoder) Finalize(ctx context.Context, cache Cache) (string, Cache, error) {
	state, _ := cache.(*execCache)
	if state == nil || len(state.pcm) == 0 {
		return "", nil, nil
	}
	text, err := d.run(ctx, state.pcm, true)
	return text, nil, err
}

func (d *execDecoder) run(ctx context.Context, pcm []byte, final bool) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "loqa_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, d.cfg.SampleRate, d.cfg.Channels); err != nil {
		return "", err
	}

	args := append([]string{}, d.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if d.cfg.ModelPath != "" {
		args = append(args, "--model", d.cfg.ModelPath)
	}
	if d.cfg.Language != "" {
		args = append(args, "--language", d.cfg.Language)
	}
	if !final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, d.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return "", fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode stt response: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}, SourceBitDepth: 16}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
