package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFormatContextAndSources(t *testing.T) {
	docs := []Document{
		{Content: "黄鹤楼位于武昌蛇山。", Source: "wuhan.pdf", Locator: PageLocator(3)},
		{Content: "热干面是武汉早餐。", Locator: ChunkLocator(7)},
	}
	want := "[wuhan.pdf | page 3]\n黄鹤楼位于武昌蛇山。\n\n---\n\n[unknown | chunk 7]\n热干面是武汉早餐。"
	if got := FormatContext(docs); got != want {
		t.Fatalf("unexpected context:\n%s", got)
	}
	sources := SourcesOf(docs)
	if len(sources) != 2 || sources[0] != (Source{Source: "wuhan.pdf", Locator: "page 3"}) || sources[1].Source != "unknown" {
		t.Fatalf("unexpected sources %+v", sources)
	}
	if SourcesOf(nil) == nil {
		t.Fatalf("SourcesOf must return an empty slice, not nil")
	}
}

func writeCorpus(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus.yaml")
	data := `documents:
  - source: food.md
    locator: chunk 0
    content: 热干面是武汉最有名的早餐，芝麻酱是灵魂。
  - source: sights.md
    locator: chunk 0
    content: 黄鹤楼是武汉的地标建筑，位于蛇山之巅。
  - source: museum.md
    locator: page 2
    content: The Hubei Provincial Museum holds the bronze bells of Marquis Yi.
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	return path
}

func TestStaticRetriever(t *testing.T) {
	r, err := LoadStaticRetriever(writeCorpus(t), 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.Len() != 3 {
		t.Fatalf("expected 3 documents, got %d", r.Len())
	}

	docs, err := r.Retrieve(context.Background(), "热干面好吃吗")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(docs) == 0 || docs[0].Source != "food.md" {
		t.Fatalf("expected food.md first, got %+v", docs)
	}

	docs, err = r.Retrieve(context.Background(), "Tell me about the museum bells")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(docs) != 1 || docs[0].Source != "museum.md" || docs[0].Score <= 0 {
		t.Fatalf("expected museum.md, got %+v", docs)
	}

	docs, err = r.Retrieve(context.Background(), "quantum chromodynamics")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected no results, got %+v", docs)
	}
}

func TestStaticRetrieverTopK(t *testing.T) {
	r, err := LoadStaticRetriever(writeCorpus(t), 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	docs, err := r.Retrieve(context.Background(), "武汉")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected top 1, got %d", len(docs))
	}
}

type countingRetriever struct {
	calls int
	err   error
}

func (c *countingRetriever) Retrieve(context.Context, string) ([]Document, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []Document{{Content: "x", Source: "s", Locator: "chunk 0"}}, nil
}

func TestCached(t *testing.T) {
	inner := &countingRetriever{}
	c := NewCached(inner, time.Minute)
	for _, q := range []string{"Hello  World", "hello world", " HELLO WORLD "} {
		docs, err := c.Retrieve(context.Background(), q)
		if err != nil || len(docs) != 1 {
			t.Fatalf("unexpected result %v %v", docs, err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", inner.calls)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 cached entry, got %d", c.Len())
	}

	failing := NewCached(&countingRetriever{err: errors.New("down")}, time.Minute)
	if _, err := failing.Retrieve(context.Background(), "q"); err == nil {
		t.Fatalf("expected error")
	}
	if failing.Len() != 0 {
		t.Fatalf("errors must not be cached")
	}
}

func TestOllamaEmbedderNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbeddingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if r.URL.Path != "/api/embeddings" || req.Model != "nomic-embed-text" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbeddingResponse{Embedding: []float64{3, 4}})
	}))
	defer srv.Close()

	vec, err := NewOllamaEmbedder(srv.URL, "").Embed(context.Background(), "hi")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 2 || math.Abs(float64(vec[0])-0.6) > 1e-6 || math.Abs(float64(vec[1])-0.8) > 1e-6 {
		t.Fatalf("unexpected vector %v", vec)
	}
}

func TestSplitText(t *testing.T) {
	if got := SplitText("short", 10, 2); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected %q", got)
	}
	if got := SplitText("   ", 10, 2); got != nil {
		t.Fatalf("blank text must produce no chunks, got %q", got)
	}
	got := SplitText("一二三四五六七八九十", 4, 1)
	want := []string{"一二三四", "四五六七", "七八九十"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

type memoryWriter struct {
	dims   int
	chunks []EmbeddedChunk
	calls  int
}

func (m *memoryWriter) EnsureSchema(_ context.Context, dims int) error {
	m.dims = dims
	return nil
}

func (m *memoryWriter) Insert(_ context.Context, chunks []EmbeddedChunk) error {
	m.calls++
	m.chunks = append(m.chunks, chunks...)
	return nil
}

type lengthEmbedder struct{}

func (lengthEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return normalizeVector([]float32{float32(len(text)), 1, 0}), nil
}

func TestLoadDirectoryAndIngest(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "guides"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files := map[string]string{
		"a.txt":       "abcdefghij",
		"guides/b.md": "hello",
		"ignored.pdf": "binary",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	docs, err := LoadDirectory(dir, 6, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// a.txt -> abcdef, efghij ; b.md -> hello
	if len(docs) != 3 {
		t.Fatalf("expected 3 chunks, got %+v", docs)
	}

	w := &memoryWriter{}
	n, err := Ingest(context.Background(), w, lengthEmbedder{}, docs, 2)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 3 || len(w.chunks) != 3 || w.calls != 2 || w.dims != 3 {
		t.Fatalf("unexpected ingest result n=%d calls=%d dims=%d", n, w.calls, w.dims)
	}
	var sawGuide bool
	for _, c := range w.chunks {
		if c.Source == "guides/b.md" && c.Locator == "chunk 0" {
			sawGuide = true
		}
	}
	if !sawGuide {
		t.Fatalf("expected relative slash source for nested file")
	}
}
