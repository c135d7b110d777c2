// Package orchestrator streams one grounded answer to a client: it relays
// generated text as it arrives and, in parallel, turns completed sentences
// into audio through a synthesis worker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/interrupt"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/retrieval"
	"github.com/loqalabs/loqa-voice/internal/segment"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Sender delivers events to one client. Implementations serialize writes;
// the orchestrator and its synthesis worker call Send concurrently.
type Sender interface {
	Send(ctx context.Context, ev protocol.Event) error
}

// Request is one question/answer cycle.
type Request struct {
	SessionID string
	RequestID string
	Question  string
	// History is the formatted conversation preceding the question.
	History string
	AutoTTS bool
}

// Result summarises a completed response.
type Result struct {
	RequestID       string
	Answer          string
	Sources         []retrieval.Source
	Interrupted     bool
	NoResults       bool
	Fragments       int
	Synthesized     int
	SynthesisFailed int
	DrainTimedOut   bool
}

type Options struct {
	LLM              config.LLMConfig
	Voice            string
	DrainTimeout     time.Duration
	PollInterval     time.Duration
	CancelGrace      time.Duration
	NoResultsMessage string
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		LLM:              cfg.LLM,
		Voice:            cfg.TTS.Voice,
		DrainTimeout:     cfg.Response.DrainTimeout(),
		PollInterval:     cfg.Response.PollInterval(),
		CancelGrace:      cfg.Response.CancelGrace(),
		NoResultsMessage: cfg.Response.NoResultsMessage,
	}
}

type Orchestrator struct {
	retriever retrieval.Retriever
	generator llm.Generator
	synth     tts.Synthesizer
	registry  *interrupt.Registry
	opts      Options
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
}

var errInterrupted = errors.New("request superseded")

// New wires the collaborators. A nil synth disables audio for every request.
func New(retriever retrieval.Retriever, generator llm.Generator, synth tts.Synthesizer, registry *interrupt.Registry, opts Options, metrics *Metrics, logger *slog.Logger) *Orchestrator {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = time.Second
	}
	if opts.NoResultsMessage == "" {
		opts.NoResultsMessage = config.Default().Response.NoResultsMessage
	}
	return &Orchestrator{
		retriever: retriever,
		generator: generator,
		synth:     synth,
		registry:  registry,
		opts:      opts,
		logger:    logger.With(slog.String("component", "orchestrator")),
		metrics:   metrics,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-voice/internal/orchestrator"),
	}
}

// Respond runs one request to completion. The caller registers req.RequestID
// as the session's current request before calling. Every path that gets past
// the start notification ends with exactly one response_end event. A failed
// retrieval sends an error event and then the no-results summary. The
// returned error is non-nil only when the client could not be reached.
func (o *Orchestrator) Respond(ctx context.Context, req Request, out Sender) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.respond", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("request.id", req.RequestID),
		attribute.Bool("request.auto_tts", req.AutoTTS),
	))
	defer span.End()

	logger := o.logger.With(slog.String("session_id", req.SessionID), slog.String("request_id", req.RequestID))
	result := Result{RequestID: req.RequestID}
	o.metrics.request(ctx)
	started := time.Now()

	if err := out.Send(ctx, protocol.NewResponseStart(req.RequestID)); err != nil {
		return result, fmt.Errorf("send response start: %w", err)
	}

	docs, err := o.retriever.Retrieve(ctx, req.Question)
	if err != nil {
		logger.Error("retrieval failed", slogError(err))
		span.RecordError(err)
		if err := out.Send(ctx, protocol.NewError("The knowledge base is unavailable, please try again later.")); err != nil {
			return result, fmt.Errorf("send retrieval error: %w", err)
		}
		docs = nil
	}
	if len(docs) == 0 {
		logger.Info("no documents retrieved")
		o.metrics.noResult(ctx)
		result.NoResults = true
		result.Answer = o.opts.NoResultsMessage
		result.Sources = []retrieval.Source{}
		span.SetAttributes(attribute.Bool("response.no_results", true))
		if err := out.Send(ctx, protocol.NewResponseEnd(req.RequestID, result.Answer, result.Sources, false)); err != nil {
			return result, fmt.Errorf("send response end: %w", err)
		}
		return result, nil
	}
	result.Sources = retrieval.SourcesOf(docs)

	interrupted := func() bool {
		return o.registry.IsInterrupted(req.SessionID, req.RequestID)
	}

	var worker *tts.Worker
	if req.AutoTTS && o.synth != nil {
		worker = tts.NewWorker(ctx, o.synth, interrupted, func(audio []byte) error {
			return out.Send(ctx, protocol.NewAudioChunk(req.RequestID, audio))
		}, tts.WorkerOptions{
			Voice:        o.opts.Voice,
			PollInterval: o.opts.PollInterval,
			Logger:       logger,
		})
		worker.Start()
	}

	var answer strings.Builder
	var sentences segment.Buffer
	genReq := llm.RequestFromConfig(o.opts.LLM, req.Question, retrieval.FormatContext(docs), req.History)
	genReq.SessionID = req.SessionID
	genReq.RequestID = req.RequestID

	genErr := o.generator.Generate(ctx, genReq, func(chunk llm.Chunk) error {
		if interrupted() {
			return errInterrupted
		}
		if chunk.Content == "" {
			return nil
		}
		if result.Fragments == 0 {
			o.metrics.firstFragmentAfter(ctx, time.Since(started))
		}
		result.Fragments++
		answer.WriteString(chunk.Content)
		if err := out.Send(ctx, protocol.NewResponseChunk(req.RequestID, chunk.Content)); err != nil {
			return fmt.Errorf("send chunk: %w", err)
		}
		if worker != nil {
			for _, sentence := range sentences.Add(chunk.Content) {
				worker.Enqueue(sentence)
			}
		}
		return nil
	})
	switch {
	case genErr == nil:
	case errors.Is(genErr, errInterrupted):
		logger.Info("generation abandoned for newer request")
	default:
		logger.Error("generation failed", slogError(genErr), slog.Int("fragments", result.Fragments))
		span.RecordError(genErr)
		if result.Fragments == 0 {
			_ = out.Send(ctx, protocol.NewError("The answer could not be generated, please try again later."))
		}
	}

	if worker != nil {
		result.DrainTimedOut = o.drain(ctx, worker, &sentences, logger)
		stats := worker.Stats()
		result.Synthesized = stats.Synthesized
		result.SynthesisFailed = stats.Failed
		o.metrics.synthesisFailures(ctx, stats.Failed)
		if result.DrainTimedOut {
			o.metrics.drainTimeout(ctx)
		}
	}

	result.Answer = answer.String()
	result.Interrupted = interrupted()
	if result.Interrupted {
		o.metrics.interruptedResponse(ctx)
	}
	span.SetAttributes(
		attribute.Int("response.fragments", result.Fragments),
		attribute.Bool("response.interrupted", result.Interrupted),
	)
	logger.Info("response complete",
		slog.Int("fragments", result.Fragments),
		slog.Int("synthesized", result.Synthesized),
		slog.Bool("interrupted", result.Interrupted),
		slog.Duration("elapsed", time.Since(started)),
	)
	if err := out.Send(ctx, protocol.NewResponseEnd(req.RequestID, result.Answer, result.Sources, result.Interrupted)); err != nil {
		return result, fmt.Errorf("send response end: %w", err)
	}
	return result, nil
}

// drain hands the unterminated remainder to the worker, closes its input and
// waits up to the drain timeout. On timeout the worker is cancelled and given
// a short grace period to exit. It reports whether the timeout fired.
func (o *Orchestrator) drain(ctx context.Context, worker *tts.Worker, sentences *segment.Buffer, logger *slog.Logger) bool {
	deadline, cancel := context.WithTimeout(ctx, o.opts.DrainTimeout)
	defer cancel()

	if rest := sentences.Flush(); rest != "" {
		worker.Enqueue(rest)
	}
	worker.Finish()

	select {
	case <-worker.Done():
		return false
	case <-deadline.Done():
	}
	if ctx.Err() == nil {
		logger.Warn("synthesis drain timed out, cancelling worker", slog.Duration("timeout", o.opts.DrainTimeout))
	}
	worker.Cancel()
	select {
	case <-worker.Done():
	case <-time.After(o.opts.CancelGrace):
		logger.Error("synthesis worker still running after cancel", slog.String("state", worker.State().String()))
	}
	return ctx.Err() == nil
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
