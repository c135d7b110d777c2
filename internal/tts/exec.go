package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth writes a JSON request to the command's stdin and concatenates the
// NDJSON lines of base64 PCM it prints until exit.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tts command: %w", err)
	}

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return nil, fmt.Errorf("decode tts response: %w", err)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			_ = cmd.Wait()
			return nil, fmt.Errorf("decode tts pcm: %w", err)
		}
		pcm = append(pcm, chunk...)
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("tts command failed: %w: %s", err, stderr.String())
	}
	if scanErr != nil {
		return nil, scanErr
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("tts command produced no audio")
	}
	return encodeWAV(pcm, e.sampleRate, e.channels)
}
