package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/retrieval"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// components are the collaborators behind the response path. Decoder and
// synth stay nil when their subsystem is disabled.
type components struct {
	retriever      retrieval.Retriever
	generator      llm.Generator
	synth          tts.Synthesizer
	decoder        stt.Decoder
	retrievalReady func() bool
	close          func()
}

func buildComponents(ctx context.Context, cfg config.Config, logger *slog.Logger) (*components, error) {
	c := &components{close: func() {}}

	retriever, ready, closeFn, err := buildRetriever(ctx, cfg.Retrieval, logger)
	if err != nil {
		return nil, err
	}
	c.retriever, c.retrievalReady, c.close = retriever, ready, closeFn

	if c.generator, err = llm.NewGenerator(cfg.LLM); err != nil {
		c.close()
		return nil, fmt.Errorf("build generator: %w", err)
	}
	if cfg.TTS.Enabled {
		if c.synth, err = tts.NewSynthesizer(cfg.TTS); err != nil {
			c.close()
			return nil, fmt.Errorf("build synthesizer: %w", err)
		}
	}
	if cfg.STT.Enabled {
		if c.decoder, err = stt.NewDecoder(cfg.STT); err != nil {
			c.close()
			return nil, fmt.Errorf("build decoder: %w", err)
		}
	}
	return c, nil
}

// buildRetriever returns the configured retriever, a readiness probe and a
// release function. A missing static corpus is not fatal: the server answers
// every question with the no-results message and reports itself not ready.
func buildRetriever(ctx context.Context, cfg config.RetrievalConfig, logger *slog.Logger) (retrieval.Retriever, func() bool, func(), error) {
	logger = logger.With(slog.String("component", "retrieval"))
	var (
		base    retrieval.Retriever
		ready   func() bool
		release = func() {}
	)

	switch cfg.Mode {
	case "pgvector":
		pool, err := retrieval.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		store := retrieval.NewVectorStore(pool, cfg.Table)
		embedder := retrieval.NewOllamaEmbedder(cfg.EmbeddingEndpoint, cfg.EmbeddingModel)
		base = retrieval.NewPGVectorRetriever(store, embedder, cfg.TopK)
		ready = func() bool {
			pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return pool.Ping(pingCtx) == nil
		}
		release = pool.Close
		logger.Info("vector retrieval ready", slog.String("table", cfg.Table))
	default:
		static, err := retrieval.LoadStaticRetriever(cfg.CorpusPath, cfg.TopK)
		if err != nil {
			logger.Warn("corpus unavailable, every answer will be the no-results message", slogError(err))
			static = retrieval.NewStaticRetriever(nil, cfg.TopK)
		} else {
			logger.Info("static corpus loaded", slog.Int("documents", static.Len()), slog.String("path", cfg.CorpusPath))
		}
		base = static
		ready = func() bool { return static.Len() > 0 }
	}

	if cfg.CacheTTLSeconds > 0 {
		base = retrieval.NewCached(base, time.Duration(cfg.CacheTTLSeconds)*time.Second)
	}
	return base, ready, release, nil
}
