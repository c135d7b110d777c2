package retrieval

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

type corpusFile struct {
	Documents []Document `yaml:"documents"`
}

// StaticRetriever ranks an in-memory corpus by term overlap. Han text is
// matched on character bigrams, other scripts on lowercase words.
type StaticRetriever struct {
	docs  []Document
	terms []map[string]struct{}
	topK  int
}

func NewStaticRetriever(docs []Document, topK int) *StaticRetriever {
	if topK <= 0 {
		topK = 4
	}
	r := &StaticRetriever{docs: docs, topK: topK}
	for _, d := range docs {
		set := make(map[string]struct{})
		for _, t := range terms(d.Content + " " + d.Source) {
			set[t] = struct{}{}
		}
		r.terms = append(r.terms, set)
	}
	return r
}

// LoadStaticRetriever reads a YAML corpus of the form {documents: [{source, locator, content}]}.
func LoadStaticRetriever(path string, topK int) (*StaticRetriever, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	var corpus corpusFile
	if err := yaml.Unmarshal(data, &corpus); err != nil {
		return nil, fmt.Errorf("parse corpus: %w", err)
	}
	return NewStaticRetriever(corpus.Documents, topK), nil
}

func (r *StaticRetriever) Retrieve(ctx context.Context, question string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := terms(question)
	if len(query) == 0 {
		return nil, nil
	}
	var hits []Document
	for i, d := range r.docs {
		matched := 0
		for _, t := range query {
			if _, ok := r.terms[i][t]; ok {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		d.Score = float64(matched) / float64(len(query))
		hits = append(hits, d)
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if len(hits) > r.topK {
		hits = hits[:r.topK]
	}
	return hits, nil
}

func (r *StaticRetriever) Len() int { return len(r.docs) }

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "of": {}, "to": {}, "in": {},
	"and": {}, "or": {}, "what": {}, "how": {}, "me": {}, "about": {}, "tell": {},
}

func terms(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(t string) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, field := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		var han, other []rune
		flush := func() {
			if len(other) > 0 {
				w := strings.ToLower(string(other))
				if _, stop := stopwords[w]; !stop && len(other) > 1 {
					add(w)
				}
				other = other[:0]
			}
			if len(han) == 1 {
				add(string(han))
			}
			for i := 0; i+1 < len(han); i++ {
				add(string(han[i : i+2]))
			}
			han = han[:0]
		}
		for _, r := range field {
			if unicode.Is(unicode.Han, r) {
				if len(other) > 0 {
					flush()
				}
				han = append(han, r)
				continue
			}
			if len(han) > 0 {
				flush()
			}
			other = append(other, r)
		}
		flush()
	}
	return out
}
