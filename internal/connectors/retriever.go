package connectors

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

// MemoryRetriever ranks an in-memory corpus by term overlap with the query.
// It satisfies the same contract as a vector index and is used for local
// runs and tests.
type MemoryRetriever struct {
	mu   sync.RWMutex
	docs []Snippet
	toks [][]string
}

// NewMemoryRetriever creates a retriever over docs.
func NewMemoryRetriever(docs ...Snippet) *MemoryRetriever {
	r := &MemoryRetriever{}
	r.Add(docs...)
	return r
}

// LoadMemoryRetriever reads a YAML list of {text, metadata} documents.
func LoadMemoryRetriever(path string) (*MemoryRetriever, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	var docs []Snippet
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	return NewMemoryRetriever(docs...), nil
}

func (r *MemoryRetriever) Type() string { return "memory_retriever" }

// Add appends documents to the corpus.
func (r *MemoryRetriever) Add(docs ...Snippet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range docs {
		r.docs = append(r.docs, d)
		r.toks = append(r.toks, terms(d.Text))
	}
}

// Len returns the corpus size.
func (r *MemoryRetriever) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

// Search returns up to topK documents sharing at least one term with query,
// best first. Each hit's metadata gains a "score" entry.
func (r *MemoryRetriever) Search(ctx context.Context, query string, topK int) ([]Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 3
	}
	q := terms(query)
	if len(q) == 0 {
		return []Snippet{}, nil
	}
	qset := make(map[string]bool, len(q))
	for _, t := range q {
		qset[t] = true
	}

	type hit struct {
		idx   int
		score float64
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var hits []hit
	for i, dt := range r.toks {
		if len(dt) == 0 {
			continue
		}
		matched := 0
		for _, t := range dt {
			if qset[t] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, hit{idx: i, score: float64(matched) / float64(len(dt))})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	out := make([]Snippet, 0, len(hits))
	for _, h := range hits {
		d := r.docs[h.idx]
		meta := make(map[string]any, len(d.Metadata)+1)
		for k, v := range d.Metadata {
			meta[k] = v
		}
		meta["score"] = h.score
		out = append(out, Snippet{Text: d.Text, Metadata: meta})
	}
	return out, nil
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "and": true, "or": true,
	"where": true, "what": true, "how": true, "which": true, "who": true,
	"it": true, "be": true, "do": true, "does": true, "i": true, "my": true,
}

// terms lower-cases text and splits it into non-stop-word tokens.
func terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopWords[f] {
			out = append(out, f)
		}
	}
	return out
}
