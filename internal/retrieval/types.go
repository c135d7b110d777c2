// Package retrieval finds the knowledge-base passages that ground an answer.
package retrieval

import (
	"context"
	"fmt"
	"strings"
)

// Document is one retrieved passage.
type Document struct {
	Content string  `json:"content" yaml:"content"`
	Source  string  `json:"source" yaml:"source"`
	Locator string  `json:"locator" yaml:"locator"`
	Score   float64 `json:"score,omitempty" yaml:"-"`
}

// Source is the citation returned to clients.
type Source struct {
	Source  string `json:"source"`
	Locator string `json:"locator"`
}

// Retriever returns passages ordered by relevance. An empty result means
// nothing relevant was found.
type Retriever interface {
	Retrieve(ctx context.Context, question string) ([]Document, error)
}

// PageLocator and ChunkLocator build the human-readable position of a passage.
func PageLocator(page int) string   { return fmt.Sprintf("page %d", page) }
func ChunkLocator(chunk int) string { return fmt.Sprintf("chunk %d", chunk) }

// FormatContext renders documents for the system prompt.
func FormatContext(docs []Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, fmt.Sprintf("[%s | %s]\n%s", sourceName(d.Source), d.Locator, d.Content))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// SourcesOf lists the citations of docs in order. It never returns nil.
func SourcesOf(docs []Document) []Source {
	out := make([]Source, 0, len(docs))
	for _, d := range docs {
		out = append(out, Source{Source: sourceName(d.Source), Locator: d.Locator})
	}
	return out
}

func sourceName(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
