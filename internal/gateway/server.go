// Package gateway serves the client-facing endpoints: the chat and realtime
// speech sockets, the stand-alone synthesis socket, an SSE answer stream and
// a health probe.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/convstore"
	"github.com/loqalabs/loqa-voice/internal/interrupt"
	"github.com/loqalabs/loqa-voice/internal/orchestrator"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"go.opentelemetry.io/otel/metric"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 75 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 16 << 20
)

// Publisher fans conversation events out to other nodes.
type Publisher interface {
	Publish(subject string, v any) error
}

// TurnStore records the conversation timeline.
type TurnStore interface {
	StartSession(ctx context.Context, sessionID, remoteAddr string) error
	EndSession(ctx context.Context, sessionID string) error
	AppendTurn(ctx context.Context, turn convstore.Turn) error
}

// Responder answers one question; *orchestrator.Orchestrator in production.
type Responder interface {
	Respond(ctx context.Context, req orchestrator.Request, out orchestrator.Sender) (orchestrator.Result, error)
}

// Deps are the collaborators shared by every connection. Decoder and Synth
// may be nil when the corresponding subsystem is disabled; Store and Bus may
// be nil as well.
type Deps struct {
	Responder   Responder
	Registry    *interrupt.Registry
	Decoder     stt.Decoder
	Synth       tts.Synthesizer
	Store       TurnStore
	Bus         Publisher
	STTMetrics  *stt.Metrics
	RetrievalOK func() bool
}

type Server struct {
	cfg      config.Config
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int64
}

func New(parent context.Context, cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(parent)
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "gateway")),
		ctx:    ctx,
		cancel: cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Register mounts the endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleChat)
	mux.HandleFunc("/ws/realtime-speech", s.handleChat)
	mux.HandleFunc("/ws/tts", s.handleSynthesis)
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /api/health", s.handleHealth)
}

// RegisterMetrics exports the number of open sockets.
func (s *Server) RegisterMetrics(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge("loqa_gateway_connections",
		metric.WithDescription("Open client sockets"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, s.active.Load())
		return nil
	}, gauge)
	return err
}

// ActiveConnections reports the number of open sockets.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// Close cancels every connection's work and waits for the handlers to return.
// Hijacked websocket connections are not tracked by http.Server.Shutdown.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.HTTP.AllowedOrigins
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return slices.Contains(allowed, origin) || slices.Contains(allowed, u.Host)
}

// upgrade accepts a socket and tracks it until the returned release is called.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*conn, func(), bool) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slogError(err), slog.String("remote", r.RemoteAddr))
		return nil, nil, false
	}
	s.wg.Add(1)
	s.active.Add(1)
	c := newConn(s.ctx, ws)
	release := func() {
		c.close()
		s.active.Add(-1)
		s.wg.Done()
	}
	return c, release, true
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
