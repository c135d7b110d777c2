package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSynth struct {
	mu     sync.Mutex
	seen   []string
	failOn map[string]bool
	hang   bool
}

func (f *fakeSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	f.mu.Lock()
	f.seen = append(f.seen, req.Text)
	fail := f.failOn[req.Text]
	hang := f.hang
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errors.New("upstream unavailable")
	}
	return []byte("audio:" + req.Text), nil
}

func (f *fakeSynth) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

type sink struct {
	mu    sync.Mutex
	clips []string
}

func (s *sink) emit(audio []byte) error {
	s.mu.Lock()
	s.clips = append(s.clips, string(audio))
	s.mu.Unlock()
	return nil
}

func (s *sink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clips...)
}

func testOptions(poll time.Duration) WorkerOptions {
	return WorkerOptions{
		PollInterval: poll,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func waitDone(t *testing.T, w *Worker, timeout time.Duration) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(timeout):
		t.Fatalf("worker did not stop within %s (state %s)", timeout, w.State())
	}
}

func TestWorkerEmitsInOrder(t *testing.T) {
	synth := &fakeSynth{}
	out := &sink{}
	w := NewWorker(context.Background(), synth, func() bool { return false }, out.emit, testOptions(20*time.Millisecond))
	w.Start()
	for _, s := range []string{"一。", "二。", "三"} {
		if !w.Enqueue(s) {
			t.Fatalf("enqueue %q rejected", s)
		}
	}
	w.Finish()
	waitDone(t, w, time.Second)

	clips := out.all()
	want := []string{"audio:一。", "audio:二。", "audio:三"}
	if len(clips) != len(want) {
		t.Fatalf("expected %v, got %v", want, clips)
	}
	for i := range want {
		if clips[i] != want[i] {
			t.Fatalf("clip %d: expected %q, got %q", i, want[i], clips[i])
		}
	}
	if w.State() != WorkerStopped {
		t.Fatalf("expected stopped, got %s", w.State())
	}
	if stats := w.Stats(); stats.Synthesized != 3 || stats.Interrupted {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if w.Enqueue("late") {
		t.Fatalf("enqueue after finish must be rejected")
	}
}

func TestWorkerSkipsFailedSentence(t *testing.T) {
	synth := &fakeSynth{failOn: map[string]bool{"bad": true}}
	out := &sink{}
	w := NewWorker(context.Background(), synth, func() bool { return false }, out.emit, testOptions(20*time.Millisecond))
	w.Start()
	w.Enqueue("bad")
	w.Enqueue("good")
	w.Finish()
	waitDone(t, w, time.Second)

	if clips := out.all(); len(clips) != 1 || clips[0] != "audio:good" {
		t.Fatalf("expected only the good sentence, got %v", clips)
	}
	if stats := w.Stats(); stats.Failed != 1 || stats.Synthesized != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestWorkerStopsOnInterruptWhileIdle(t *testing.T) {
	var interrupted atomic.Bool
	poll := 20 * time.Millisecond
	w := NewWorker(context.Background(), &fakeSynth{}, interrupted.Load, (&sink{}).emit, testOptions(poll))
	w.Start()
	time.Sleep(2 * poll)

	interrupted.Store(true)
	// one poll interval plus scheduling slack
	waitDone(t, w, poll+200*time.Millisecond)
	if !w.Stats().Interrupted {
		t.Fatalf("expected interrupted stats")
	}
	if w.Enqueue("after") {
		t.Fatalf("enqueue to a stopped worker must be rejected")
	}
}

func TestWorkerChecksInterruptBeforeSynthesis(t *testing.T) {
	synth := &fakeSynth{}
	out := &sink{}
	w := NewWorker(context.Background(), synth, func() bool { return true }, out.emit, testOptions(20*time.Millisecond))
	w.Enqueue("never")
	w.Start()
	waitDone(t, w, time.Second)
	if len(synth.texts()) != 0 || len(out.all()) != 0 {
		t.Fatalf("interrupted worker must not synthesize")
	}
}

func TestWorkerCancelAbortsHungSynthesis(t *testing.T) {
	synth := &fakeSynth{hang: true}
	w := NewWorker(context.Background(), synth, func() bool { return false }, (&sink{}).emit, testOptions(20*time.Millisecond))
	w.Start()
	w.Enqueue("slow")
	w.Finish()

	select {
	case <-w.Done():
		t.Fatalf("worker should still be synthesizing")
	case <-time.After(50 * time.Millisecond):
	}
	w.Cancel()
	waitDone(t, w, time.Second)
}

func TestWorkerEnqueueNeverWaitsOnSynthesis(t *testing.T) {
	synth := &fakeSynth{hang: true}
	w := NewWorker(context.Background(), synth, func() bool { return false }, (&sink{}).emit, testOptions(20*time.Millisecond))
	w.Start()

	accepted := make(chan int, 1)
	go func() {
		n := 0
		for i := 0; i < 500; i++ {
			if w.Enqueue("句子。") {
				n++
			}
		}
		accepted <- n
	}()
	select {
	case n := <-accepted:
		if n != 500 {
			t.Fatalf("expected 500 accepted sentences, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("enqueue blocked behind a hung synthesis")
	}
	if p := w.Pending(); p < 499 {
		t.Fatalf("expected the backlog to stay queued, pending=%d", p)
	}

	w.Finish()
	w.Cancel()
	waitDone(t, w, time.Second)
	if w.Pending() != 0 {
		t.Fatalf("stopped worker must drop its backlog")
	}
	if w.Enqueue("late") {
		t.Fatalf("enqueue to a stopped worker must be rejected")
	}
}

func TestWorkerStopsWhenEmitFails(t *testing.T) {
	w := NewWorker(context.Background(), &fakeSynth{}, func() bool { return false }, func([]byte) error {
		return errors.New("connection closed")
	}, testOptions(20*time.Millisecond))
	w.Start()
	w.Enqueue("one")
	waitDone(t, w, time.Second)
}

func TestMockSynth(t *testing.T) {
	synth := NewMockSynth(16000, 1)
	audio, err := synth.Synthesize(context.Background(), SynthRequest{Text: "你好"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(audio) < 44 || string(audio[:4]) != "RIFF" {
		t.Fatalf("expected a wav clip, got %d bytes", len(audio))
	}
	if _, err := synth.Synthesize(context.Background(), SynthRequest{Text: "  "}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}
