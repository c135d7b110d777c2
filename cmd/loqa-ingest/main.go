package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/retrieval"
)

func main() {
	var (
		configPath string
		dir        string
		chunkSize  int
		overlap    int
		batchSize  int
	)

	flag.StringVar(&configPath, "config", "loqa-voice.yaml", "Path to configuration file")
	flag.StringVar(&dir, "dir", "./knowledge", "Directory of .txt and .md files to ingest")
	flag.IntVar(&chunkSize, "chunk-size", 500, "Chunk size in characters")
	flag.IntVar(&overlap, "chunk-overlap", 50, "Overlap between consecutive chunks")
	flag.IntVar(&batchSize, "batch", 32, "Rows per insert batch")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.Retrieval.DatabaseURL == "" || cfg.Retrieval.EmbeddingEndpoint == "" {
		logger.Error("retrieval.database_url and retrieval.embedding_endpoint are required for ingestion")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	docs, err := retrieval.LoadDirectory(dir, chunkSize, overlap)
	if err != nil {
		logger.Error("failed to read documents", slog.String("dir", dir), slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("documents split", slog.String("dir", dir), slog.Int("chunks", len(docs)))

	pool, err := retrieval.OpenPool(ctx, cfg.Retrieval.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	store := retrieval.NewVectorStore(pool, cfg.Retrieval.Table)
	embedder := retrieval.NewOllamaEmbedder(cfg.Retrieval.EmbeddingEndpoint, cfg.Retrieval.EmbeddingModel)
	written, err := retrieval.Ingest(ctx, store, embedder, docs, batchSize)
	if err != nil {
		logger.Error("ingestion failed", slog.Int("written", written), slog.String("error", err.Error()))
		pool.Close()
		os.Exit(1)
	}
	logger.Info("ingestion complete", slog.Int("written", written), slog.String("table", cfg.Retrieval.Table))
}
