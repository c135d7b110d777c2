package stt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrNotStreaming is returned when a frame arrives before Start or after End.
var ErrNotStreaming = errors.New("recognition session is not streaming")

type State int

const (
	StateIdle State = iota
	StateStreaming
)

func (s State) String() string {
	if s == StateStreaming {
		return "streaming"
	}
	return "idle"
}

// Event is a recognition result. Text always carries the merged transcript of
// the current utterance.
type Event struct {
	Final bool
	Text  string
}

type SessionOptions struct {
	SilenceTimeout time.Duration
	WatchInterval  time.Duration
	// StrideBytes batches frames so the decoder sees fixed-size chunks; zero decodes every frame.
	StrideBytes int
	Logger      *slog.Logger
	Metrics     *Metrics
}

// Session drives one connection's incremental recognition. Emit is called
// with the session lock held, so events arrive in order and never overlap.
type Session struct {
	ctx     context.Context
	decoder Decoder
	emit    func(Event)
	opts    SessionOptions
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	cache      Cache
	pending    []byte
	full       string
	last       string
	lastResult time.Time
	stop       chan struct{}
	watchDone  chan struct{}
}

func NewSession(ctx context.Context, decoder Decoder, emit func(Event), opts SessionOptions) *Session {
	if opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = 2 * time.Second
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ctx:     ctx,
		decoder: decoder,
		emit:    emit,
		opts:    opts,
		logger:  logger.With(slog.String("component", "recognition")),
	}
}

// Start resets the transcript and decoder cache and begins streaming. Calling
// Start on a streaming session restarts it.
func (s *Session) Start() {
	s.stopWatchdog()

	s.mu.Lock()
	s.state = StateStreaming
	s.resetLocked()
	s.pending = nil
	s.stop = make(chan struct{})
	s.watchDone = make(chan struct{})
	stop, done := s.stop, s.watchDone
	s.mu.Unlock()

	go s.watch(stop, done)
}

// PushFrame feeds one audio frame. Container frames are unwrapped first.
// A frame the decoder rejects is dropped and the session keeps streaming.
func (s *Session) PushFrame(frame []byte) error {
	pcm, err := UnwrapFrame(frame)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return ErrNotStreaming
	}
	if len(pcm) == 0 {
		return nil
	}
	s.pending = append(s.pending, pcm...)
	stride := s.opts.StrideBytes
	if stride <= 0 {
		stride = len(s.pending)
	}
	for len(s.pending) >= stride {
		chunk := s.pending[:stride]
		s.pending = s.pending[stride:]
		s.decodeLocked(chunk)
	}
	return nil
}

func (s *Session) decodeLocked(chunk []byte) {
	text, cache, err := s.decoder.Decode(s.ctx, s.cache, chunk)
	if err != nil {
		s.opts.Metrics.decodeError(s.ctx)
		s.logger.Warn("dropping audio frame", slogError(err), slog.Int("bytes", len(chunk)))
		return
	}
	s.cache = cache
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.full, s.last = MergeTranscript(s.full, s.last, text)
	s.lastResult = time.Now()
	s.opts.Metrics.interim(s.ctx)
	s.emit(Event{Text: s.full})
}

// End flushes buffered audio, finalizes the decoder and emits a final event
// for whatever the utterance still holds. The session returns to idle.
func (s *Session) End() error {
	s.stopWatchdog()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming {
		return ErrNotStreaming
	}
	if len(s.pending) > 0 {
		s.decodeLocked(s.pending)
		s.pending = nil
	}
	s.finalizeLocked()
	s.state = StateIdle
	s.cache = nil
	return nil
}

// Close stops the watchdog and releases decoder state without emitting.
func (s *Session) Close() {
	s.stopWatchdog()
	s.mu.Lock()
	s.state = StateIdle
	s.resetLocked()
	s.pending = nil
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// finalizeLocked closes the current utterance. The cache is reset even when
// the decoder fails so the next utterance never inherits stale context.
func (s *Session) finalizeLocked() {
	final, _, err := s.decoder.Finalize(s.ctx, s.cache)
	if err != nil {
		s.logger.Warn("decoder finalize failed", slogError(err))
	} else if final = strings.TrimSpace(final); final != "" {
		s.full, s.last = MergeTranscript(s.full, s.last, final)
	}
	if text := strings.TrimSpace(s.full); text != "" {
		s.opts.Metrics.final(s.ctx)
		s.emit(Event{Final: true, Text: text})
	}
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.cache = nil
	s.full = ""
	s.last = ""
	s.lastResult = time.Time{}
}

func (s *Session) watch(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.checkSilence(now)
		}
	}
}

func (s *Session) checkSilence(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStreaming || s.full == "" || s.lastResult.IsZero() {
		return
	}
	if now.Sub(s.lastResult) < s.opts.SilenceTimeout {
		return
	}
	s.logger.Debug("silence detected, closing utterance")
	s.finalizeLocked()
}

func (s *Session) stopWatchdog() {
	s.mu.Lock()
	stop, done := s.stop, s.watchDone
	s.stop, s.watchDone = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
