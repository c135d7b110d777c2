package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/convstore"
	"github.com/loqalabs/loqa-voice/internal/gateway"
	"github.com/loqalabs/loqa-voice/internal/interrupt"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/orchestrator"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"go.opentelemetry.io/otel"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *convstore.Store
	gateway *gateway.Server
	closers []func()
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves until ctx ends and then shuts down in
// reverse order of construction.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startBus(ctx); err != nil {
		r.shutdown()
		return err
	}

	store, err := convstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("open conversation store: %w", err)
	}
	r.store = store

	c, err := buildComponents(ctx, r.cfg, r.logger)
	if err != nil {
		r.shutdown()
		return err
	}
	r.closers = append(r.closers, c.close)

	meter := otel.Meter("github.com/loqalabs/loqa-voice/runtime")
	registry := interrupt.NewRegistry()
	orchMetrics, err := orchestrator.NewMetrics(meter, registry)
	if err != nil {
		r.logger.Warn("failed to initialize response metrics", slogError(err))
	}
	sttMetrics, err := stt.NewMetrics(meter)
	if err != nil {
		r.logger.Warn("failed to initialize recognition metrics", slogError(err))
	}
	orch := orchestrator.New(c.retriever, c.generator, c.synth, registry, orchestrator.OptionsFromConfig(r.cfg), orchMetrics, r.logger)

	deps := gateway.Deps{
		Responder:   orch,
		Registry:    registry,
		Decoder:     c.decoder,
		Synth:       c.synth,
		Store:       store,
		STTMetrics:  sttMetrics,
		RetrievalOK: c.retrievalReady,
	}
	if r.bus != nil {
		deps.Bus = r.bus
	}
	r.gateway = gateway.New(ctx, r.cfg, deps, r.logger)
	if err := r.gateway.RegisterMetrics(meter); err != nil {
		r.logger.Warn("failed to initialize gateway metrics", slogError(err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle(r.cfg.Telemetry.MetricsPath, metricsHandler)
	}
	r.gateway.Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runPrune(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("retrieval", r.cfg.Retrieval.Mode),
		slog.String("llm", r.cfg.LLM.Mode),
		slog.Bool("stt", c.decoder != nil),
		slog.Bool("tts", c.synth != nil))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.gateway.Close()
	r.wg.Wait()
	r.shutdown()
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.nats = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		r.nats.Shutdown()
		r.nats = nil
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client
	if err := client.EnsureStream(time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour); err != nil {
		r.logger.Warn("voice event stream unavailable, publishing without retention", slogError(err))
	}
	return nil
}

func (r *Runtime) runPrune(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("conversation prune failed", slogError(err))
			}
		}
	}
}

// shutdown releases everything Start acquired, in reverse order.
func (r *Runtime) shutdown() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("conversation store close error", slogError(err))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (!r.cfg.Bus.Enabled || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
