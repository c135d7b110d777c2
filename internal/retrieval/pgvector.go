package retrieval

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// OpenPool connects to Postgres with the vector type registered on every connection.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// VectorStore reads and writes passages in a pgvector table with columns
// (id, source, locator, content, embedding).
type VectorStore struct {
	pool  *pgxpool.Pool
	table string
}

func NewVectorStore(pool *pgxpool.Pool, table string) *VectorStore {
	if table == "" {
		table = "document_chunks"
	}
	return &VectorStore{pool: pool, table: pgx.Identifier{table}.Sanitize()}
}

func (s *VectorStore) EnsureSchema(ctx context.Context, dims int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			source TEXT NOT NULL,
			locator TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		)`, s.table, dims),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Insert writes chunks in one batch.
func (s *VectorStore) Insert(ctx context.Context, chunks []EmbeddedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := fmt.Sprintf(`INSERT INTO %s (source, locator, content, embedding) VALUES ($1, $2, $3, $4)`, s.table)
	for _, c := range chunks {
		batch.Queue(query, c.Source, c.Locator, c.Content, pgvector.NewVector(c.Embedding))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	return nil
}

// Nearest returns the k closest passages by cosine distance.
func (s *VectorStore) Nearest(ctx context.Context, embedding []float32, k int) ([]Document, error) {
	query := fmt.Sprintf(`SELECT content, source, locator, 1 - (embedding <=> $1) AS score
		FROM %s ORDER BY embedding <=> $1 LIMIT $2`, s.table)
	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("query nearest: %w", err)
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.Content, &d.Source, &d.Locator, &d.Score); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// PGVectorRetriever embeds the question and queries the vector store.
type PGVectorRetriever struct {
	store    *VectorStore
	embedder Embedder
	topK     int
}

func NewPGVectorRetriever(store *VectorStore, embedder Embedder, topK int) *PGVectorRetriever {
	if topK <= 0 {
		topK = 4
	}
	return &PGVectorRetriever{store: store, embedder: embedder, topK: topK}
}

func (r *PGVectorRetriever) Retrieve(ctx context.Context, question string) ([]Document, error) {
	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	return r.store.Nearest(ctx, vec, r.topK)
}
