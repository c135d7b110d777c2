package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/interrupt"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/retrieval"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

type fixedRetriever struct {
	docs []retrieval.Document
	err  error
}

func (r fixedRetriever) Retrieve(context.Context, string) ([]retrieval.Document, error) {
	return r.docs, r.err
}

type scriptedGenerator struct {
	fragments []string
	// pause, when set, is waited on after the first fragment.
	pause <-chan struct{}
	err   error
}

func (g scriptedGenerator) Generate(ctx context.Context, _ llm.Request, consumer func(llm.Chunk) error) error {
	for i, fragment := range g.fragments {
		if i == 1 && g.pause != nil {
			select {
			case <-g.pause:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := consumer(llm.Chunk{Content: fragment, Partial: true}); err != nil {
			return err
		}
	}
	return g.err
}

type recordingSynth struct {
	mu        sync.Mutex
	texts     []string
	hang      bool
	cancelled chan struct{}
}

func (s *recordingSynth) Synthesize(ctx context.Context, req tts.SynthRequest) ([]byte, error) {
	s.mu.Lock()
	s.texts = append(s.texts, req.Text)
	s.mu.Unlock()
	if s.hang {
		<-ctx.Done()
		close(s.cancelled)
		return nil, ctx.Err()
	}
	return []byte(req.Text), nil
}

func (s *recordingSynth) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
	notify chan string
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan string, 64)}
}

func (r *recorder) Send(_ context.Context, ev protocol.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- ev.EventType():
	default:
	}
	return nil
}

func (r *recorder) ofType(kind string) []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Event
	for _, ev := range r.events {
		if ev.EventType() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) last() protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

var corpus = []retrieval.Document{{Content: "黄鹤楼位于武汉。", Source: "guide.md", Locator: "chunk 1"}}

func testOrchestrator(ret retrieval.Retriever, gen llm.Generator, synth tts.Synthesizer, registry *interrupt.Registry, opts Options) *Orchestrator {
	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 2 * time.Second
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(ret, gen, synth, registry, opts, nil, logger)
}

func TestRespondSegmentsInGenerationOrder(t *testing.T) {
	registry := interrupt.NewRegistry()
	registry.SetCurrentRequest("s1", "r1")
	synth := &recordingSynth{}
	gen := scriptedGenerator{fragments: []string{"你好，", "世界。", "今天天气不错"}}
	o := testOrchestrator(fixedRetriever{docs: corpus}, gen, synth, registry, Options{})
	out := newRecorder()

	res, err := o.Respond(context.Background(), Request{SessionID: "s1", RequestID: "r1", Question: "天气", AutoTTS: true}, out)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	want := []string{"你好，", "世界。", "今天天气不错"}
	got := synth.seen()
	if len(got) != len(want) {
		t.Fatalf("expected sentences %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if res.Answer != "你好，世界。今天天气不错" || res.Fragments != 3 || res.Synthesized != 3 || res.Interrupted {
		t.Fatalf("unexpected result %+v", res)
	}

	if n := len(out.ofType(protocol.TypeResponseChunk)); n != 3 {
		t.Fatalf("expected 3 chunks, got %d", n)
	}
	if n := len(out.ofType(protocol.TypeAudioChunk)); n != 3 {
		t.Fatalf("expected 3 audio chunks, got %d", n)
	}
	end, ok := out.last().(protocol.ResponseEnd)
	if !ok {
		t.Fatalf("expected response_end last, got %T", out.last())
	}
	if end.FullResponse != res.Answer || len(end.Sources) != 1 || end.Sources[0].Source != "guide.md" || end.IsInterrupted {
		t.Fatalf("unexpected response end %+v", end)
	}
}

func TestRespondWithoutAudio(t *testing.T) {
	registry := interrupt.NewRegistry()
	registry.SetCurrentRequest("s1", "r1")
	synth := &recordingSynth{}
	gen := scriptedGenerator{fragments: []string{"一。", "二。"}}
	o := testOrchestrator(fixedRetriever{docs: corpus}, gen, synth, registry, Options{})
	out := newRecorder()

	if _, err := o.Respond(context.Background(), Request{SessionID: "s1", RequestID: "r1", Question: "q"}, out); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if len(synth.seen()) != 0 || len(out.ofType(protocol.TypeAudioChunk)) != 0 {
		t.Fatalf("audio must not be produced when auto tts is off")
	}
}

func TestRespondNoResults(t *testing.T) {
	for name, tc := range map[string]struct {
		ret        fixedRetriever
		wantErrors int
	}{
		"empty":  {ret: fixedRetriever{}},
		"failed": {ret: fixedRetriever{err: errors.New("index offline")}, wantErrors: 1},
	} {
		t.Run(name, func(t *testing.T) {
			registry := interrupt.NewRegistry()
			registry.SetCurrentRequest("s1", "r1")
			synth := &recordingSynth{}
			gen := scriptedGenerator{fragments: []string{"should not appear"}}
			o := testOrchestrator(tc.ret, gen, synth, registry, Options{NoResultsMessage: "nothing found"})
			out := newRecorder()

			res, err := o.Respond(context.Background(), Request{SessionID: "s1", RequestID: "r1", Question: "q", AutoTTS: true}, out)
			if err != nil {
				t.Fatalf("respond: %v", err)
			}
			if !res.NoResults {
				t.Fatalf("expected no results")
			}
			if len(out.ofType(protocol.TypeResponseChunk)) != 0 || len(out.ofType(protocol.TypeAudioChunk)) != 0 {
				t.Fatalf("no chunks may be emitted without documents")
			}
			ends := out.ofType(protocol.TypeResponseEnd)
			if len(ends) != 1 {
				t.Fatalf("expected exactly one response_end, got %d", len(ends))
			}
			end := ends[0].(protocol.ResponseEnd)
			if end.Sources == nil || len(end.Sources) != 0 || end.FullResponse != "nothing found" {
				t.Fatalf("unexpected response end %+v", end)
			}
			if len(synth.seen()) != 0 {
				t.Fatalf("synthesis must not run")
			}
			if n := len(out.ofType(protocol.TypeError)); n != tc.wantErrors {
				t.Fatalf("expected %d error events, got %d", tc.wantErrors, n)
			}
			if _, ok := out.last().(protocol.ResponseEnd); !ok {
				t.Fatalf("response_end must be the last event, got %T", out.last())
			}
		})
	}
}

func TestRespondDrainTimeoutCancelsWorker(t *testing.T) {
	registry := interrupt.NewRegistry()
	registry.SetCurrentRequest("s1", "r1")
	synth := &recordingSynth{hang: true, cancelled: make(chan struct{})}
	gen := scriptedGenerator{fragments: []string{"慢一点。"}}
	drain := 150 * time.Millisecond
	o := testOrchestrator(fixedRetriever{docs: corpus}, gen, synth, registry, Options{DrainTimeout: drain, CancelGrace: 200 * time.Millisecond})
	out := newRecorder()

	started := time.Now()
	res, err := o.Respond(context.Background(), Request{SessionID: "s1", RequestID: "r1", Question: "q", AutoTTS: true}, out)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if elapsed := time.Since(started); elapsed > drain+time.Second {
		t.Fatalf("response took %s, drain timeout was %s", elapsed, drain)
	}
	if !res.DrainTimedOut {
		t.Fatalf("expected drain timeout")
	}
	if len(out.ofType(protocol.TypeResponseEnd)) != 1 {
		t.Fatalf("expected response_end")
	}
	select {
	case <-synth.cancelled:
	case <-time.After(time.Second):
		t.Fatalf("hung synthesis was not cancelled")
	}
}

func TestRespondRelaysTextWhileSynthesisHangs(t *testing.T) {
	registry := interrupt.NewRegistry()
	registry.SetCurrentRequest("s1", "r1")
	synth := &recordingSynth{hang: true, cancelled: make(chan struct{})}
	fragments := make([]string, 200)
	for i := range fragments {
		fragments[i] = "句子。"
	}
	drain := 300 * time.Millisecond
	o := testOrchestrator(fixedRetriever{docs: corpus}, scriptedGenerator{fragments: fragments}, synth, registry,
		Options{DrainTimeout: drain, CancelGrace: 200 * time.Millisecond})
	out := newRecorder()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.Respond(context.Background(), Request{SessionID: "s1", RequestID: "r1", Question: "q", AutoTTS: true}, out)
		done <- outcome{res, err}
	}()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(drain + 2*time.Second):
		t.Fatalf("no response_end with a hung synthesizer; chunks relayed=%d of %d",
			len(out.ofType(protocol.TypeResponseChunk)), len(fragments))
	}
	if got.err != nil {
		t.Fatalf("respond: %v", got.err)
	}
	if n := len(out.ofType(protocol.TypeResponseChunk)); n != len(fragments) {
		t.Fatalf("expected %d relayed chunks, got %d", len(fragments), n)
	}
	if !got.res.DrainTimedOut || got.res.Fragments != len(fragments) {
		t.Fatalf("unexpected result %+v", got.res)
	}
	if len(out.ofType(protocol.TypeResponseEnd)) != 1 {
		t.Fatalf("expected exactly one response_end")
	}
}

func TestRespondStopsWhenSuperseded(t *testing.T) {
	registry := interrupt.NewRegistry()
	registry.SetCurrentRequest("s1", "r1")
	synth := &recordingSynth{}
	release := make(chan struct{})
	gen := scriptedGenerator{fragments: []string{"第一句。", "第二句。"}, pause: release}
	o := testOrchestrator(fixedRetriever{docs: corpus}, gen, synth, registry, Options{})
	out := newRecorder()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.Respond(context.Background(), Request{SessionID: "s1", RequestID: "r1", Question: "q", AutoTTS: true}, out)
		done <- outcome{res, err}
	}()

	deadline := time.After(2 * time.Second)
	for len(out.ofType(protocol.TypeAudioChunk)) == 0 {
		select {
		case <-out.notify:
		case <-deadline:
			t.Fatalf("first sentence was never voiced")
		}
	}
	registry.SetCurrentRequest("s1", "r2")
	close(release)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("superseded request did not finish")
	}
	if got.err != nil {
		t.Fatalf("respond: %v", got.err)
	}
	if !got.res.Interrupted || got.res.Answer != "第一句。" {
		t.Fatalf("unexpected result %+v", got.res)
	}
	if texts := synth.seen(); len(texts) != 1 {
		t.Fatalf("expected only the first sentence synthesized, got %v", texts)
	}
	end := out.last().(protocol.ResponseEnd)
	if !end.IsInterrupted {
		t.Fatalf("response_end must report the interruption")
	}
}

func TestRespondGenerationError(t *testing.T) {
	registry := interrupt.NewRegistry()
	registry.SetCurrentRequest("s1", "r1")
	gen := scriptedGenerator{err: errors.New("model unavailable")}
	o := testOrchestrator(fixedRetriever{docs: corpus}, gen, nil, registry, Options{})
	out := newRecorder()

	if _, err := o.Respond(context.Background(), Request{SessionID: "s1", RequestID: "r1", Question: "q", AutoTTS: true}, out); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if len(out.ofType(protocol.TypeError)) != 1 {
		t.Fatalf("expected one error event")
	}
	if len(out.ofType(protocol.TypeResponseEnd)) != 1 {
		t.Fatalf("expected response_end after a failed generation")
	}
}

func TestRespondKeepsPartialAnswerOnMidStreamError(t *testing.T) {
	registry := interrupt.NewRegistry()
	registry.SetCurrentRequest("s1", "r1")
	gen := scriptedGenerator{fragments: []string{"部分"}, err: errors.New("stream reset")}
	o := testOrchestrator(fixedRetriever{docs: corpus}, gen, nil, registry, Options{})
	out := newRecorder()

	res, err := o.Respond(context.Background(), Request{SessionID: "s1", RequestID: "r1", Question: "q"}, out)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if res.Answer != "部分" || len(out.ofType(protocol.TypeError)) != 0 {
		t.Fatalf("expected the partial answer without an error event, got %+v", res)
	}
}
