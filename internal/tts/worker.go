package tts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerRunning
	WorkerSynthesizing
	WorkerEmitting
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerSynthesizing:
		return "synthesizing"
	case WorkerEmitting:
		return "emitting"
	default:
		return "stopped"
	}
}

type WorkerOptions struct {
	Voice        string
	PollInterval time.Duration
	Logger       *slog.Logger
}

// WorkerStats summarises a finished worker.
type WorkerStats struct {
	Synthesized int
	Failed      int
	Interrupted bool
}

// Worker is the single consumer of one request's sentence queue. The queue is
// unbounded so the producer never waits on synthesis. Finish marks the end of
// input; Done is closed once the worker has stopped for any reason.
type Worker struct {
	synth       Synthesizer
	interrupted func() bool
	emit        func(audio []byte) error
	opts        WorkerOptions
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	notify chan struct{}
	done   chan struct{}

	startOnce sync.Once
	mu        sync.Mutex
	pending   []string
	finished  bool
	stopped   bool

	state       atomic.Int32
	synthesized atomic.Int64
	failed      atomic.Int64
	stoppedByIR atomic.Bool
}

// NewWorker binds a worker to a synthesizer, an interruption probe that is
// sampled at sentence boundaries and while idle, and an emitter for audio.
func NewWorker(parent context.Context, synth Synthesizer, interrupted func() bool, emit func(audio []byte) error, opts WorkerOptions) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Worker{
		synth:       synth,
		interrupted: interrupted,
		emit:        emit,
		opts:        opts,
		logger:      logger.With(slog.String("component", "synthesis-worker")),
		ctx:         ctx,
		cancel:      cancel,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Start launches the consumer goroutine. Later calls are no-ops.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.state.Store(int32(WorkerRunning))
		go w.run()
	})
}

// Enqueue appends a sentence without waiting. It reports false once input
// was finished or the worker has stopped.
func (w *Worker) Enqueue(sentence string) bool {
	w.mu.Lock()
	if w.finished || w.stopped {
		w.mu.Unlock()
		return false
	}
	w.pending = append(w.pending, sentence)
	w.mu.Unlock()
	w.wake()
	return true
}

// Finish signals that no more sentences will be enqueued.
func (w *Worker) Finish() {
	w.mu.Lock()
	w.finished = true
	w.mu.Unlock()
	w.wake()
}

// Pending reports sentences queued but not yet taken by the worker.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Worker) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// next pops the oldest sentence. drained is true when the queue is empty and
// input is finished.
func (w *Worker) next() (sentence string, ok, drained bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return "", false, w.finished
	}
	sentence = w.pending[0]
	w.pending[0] = ""
	w.pending = w.pending[1:]
	return sentence, true, false
}

// Cancel aborts the worker, including an in-flight synthesis call.
func (w *Worker) Cancel() {
	w.cancel()
}

func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Stats is meaningful once Done is closed.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Synthesized: int(w.synthesized.Load()),
		Failed:      int(w.failed.Load()),
		Interrupted: w.stoppedByIR.Load(),
	}
}

func (w *Worker) run() {
	defer func() {
		w.mu.Lock()
		w.stopped = true
		w.pending = nil
		w.mu.Unlock()
		w.state.Store(int32(WorkerStopped))
		w.cancel()
		close(w.done)
	}()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		if w.checkInterrupted() {
			return
		}
		if w.ctx.Err() != nil {
			w.logger.Debug("synthesis worker cancelled")
			return
		}
		sentence, ok, drained := w.next()
		if ok {
			if !w.process(sentence) {
				return
			}
			continue
		}
		if drained {
			return
		}
		select {
		case <-w.ctx.Done():
			w.logger.Debug("synthesis worker cancelled")
			return
		case <-ticker.C:
		case <-w.notify:
		}
	}
}

// process synthesizes and emits one sentence; false stops the worker.
func (w *Worker) process(sentence string) bool {
	if w.checkInterrupted() {
		return false
	}
	w.state.Store(int32(WorkerSynthesizing))
	audio, err := w.synth.Synthesize(w.ctx, SynthRequest{Text: sentence, Voice: w.opts.Voice})
	if err != nil {
		if w.ctx.Err() != nil {
			return false
		}
		w.failed.Add(1)
		w.state.Store(int32(WorkerRunning))
		if !errors.Is(err, ErrEmptyText) {
			w.logger.Warn("sentence synthesis failed", slogError(err), slog.Int("runes", len([]rune(sentence))))
		}
		return true
	}
	if w.checkInterrupted() {
		return false
	}
	w.synthesized.Add(1)
	if len(audio) > 0 {
		w.state.Store(int32(WorkerEmitting))
		if err := w.emit(audio); err != nil {
			w.logger.Warn("audio emit failed, stopping worker", slogError(err))
			return false
		}
	}
	w.state.Store(int32(WorkerRunning))
	return true
}

func (w *Worker) checkInterrupted() bool {
	if w.interrupted != nil && w.interrupted() {
		if !w.stoppedByIR.Swap(true) {
			w.logger.Debug("synthesis worker interrupted")
		}
		return true
	}
	return false
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
