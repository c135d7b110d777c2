package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// EmbeddedChunk is a passage ready for the vector store.
type EmbeddedChunk struct {
	Document
	Embedding []float32
}

// ChunkWriter persists embedded passages.
type ChunkWriter interface {
	EnsureSchema(ctx context.Context, dims int) error
	Insert(ctx context.Context, chunks []EmbeddedChunk) error
}

// SplitText cuts text into rune windows of chunkSize that overlap by overlap runes.
func SplitText(text string, chunkSize, overlap int) []string {
	runes := []rune(text)
	if chunkSize <= 0 || len(runes) <= chunkSize {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}
	step := chunkSize - overlap
	if step <= 0 {
		step = chunkSize
	}
	var chunks []string
	for i := 0; i < len(runes); i += step {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// LoadDirectory splits every .txt and .md file under root into documents.
// Sources are paths relative to root.
func LoadDirectory(root string, chunkSize, overlap int) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md":
		default:
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		for i, chunk := range SplitText(string(data), chunkSize, overlap) {
			docs = append(docs, Document{Content: chunk, Source: filepath.ToSlash(rel), Locator: ChunkLocator(i)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// Ingest embeds docs and writes them in batches of batchSize. It returns the
// number of chunks written.
func Ingest(ctx context.Context, writer ChunkWriter, embedder Embedder, docs []Document, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	written := 0
	schemaReady := false
	batch := make([]EmbeddedChunk, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := writer.Insert(ctx, batch); err != nil {
			return err
		}
		written += len(batch)
		batch = batch[:0]
		return nil
	}
	for _, d := range docs {
		vec, err := embedder.Embed(ctx, d.Content)
		if err != nil {
			return written, fmt.Errorf("embed %s %s: %w", d.Source, d.Locator, err)
		}
		if !schemaReady {
			if err := writer.EnsureSchema(ctx, len(vec)); err != nil {
				return written, err
			}
			schemaReady = true
		}
		batch = append(batch, EmbeddedChunk{Document: d, Embedding: vec})
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if err := flush(); err != nil {
		return written, err
	}
	return written, nil
}
