// Package toolsearch indexes upstream tool descriptors and ranks them against
// free-text queries by embedding similarity.
package toolsearch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Document is one indexed tool.
type Document struct {
	ServerName  string
	ToolName    string
	Description string
	InputSchema any
}

// Match is a ranked search hit.
type Match struct {
	Document
	Score float64
}

// Query parameterizes a search. Servers, when non-empty, restricts hits to
// those server names.
type Query struct {
	Text      string
	Limit     int
	Threshold float64
	Servers   []string
}

// Embedder turns texts into vectors of equal length.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher is the read/write surface the hub depends on.
type Searcher interface {
	IndexServer(ctx context.Context, server string, docs []Document) error
	RemoveServer(server string)
	Search(ctx context.Context, q Query) ([]Match, error)
}

type entry struct {
	doc    Document
	vector []float32
}

// Index is an in-memory vector index. Documents are grouped per server so a
// server's tool set can be replaced atomically.
type Index struct {
	embedder Embedder

	mu      sync.RWMutex
	servers map[string][]entry
}

// NewIndex returns an index using embedder, or a HashEmbedder when nil.
func NewIndex(embedder Embedder) *Index {
	if embedder == nil {
		embedder = NewHashEmbedder(0)
	}
	return &Index{embedder: embedder, servers: make(map[string][]entry)}
}

// IndexServer replaces the documents stored for server.
func (ix *Index) IndexServer(ctx context.Context, server string, docs []Document) error {
	if len(docs) == 0 {
		ix.RemoveServer(server)
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = documentText(d)
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("toolsearch: embed %s: %w", server, err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("toolsearch: embedder returned %d vectors for %d documents", len(vectors), len(docs))
	}
	entries := make([]entry, len(docs))
	for i, d := range docs {
		d.ServerName = server
		entries[i] = entry{doc: d, vector: normalize(vectors[i])}
	}
	ix.mu.Lock()
	ix.servers[server] = entries
	ix.mu.Unlock()
	return nil
}

// RemoveServer drops every document of server.
func (ix *Index) RemoveServer(server string) {
	ix.mu.Lock()
	delete(ix.servers, server)
	ix.mu.Unlock()
}

// Len reports the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, entries := range ix.servers {
		n += len(entries)
	}
	return n
}

// Search ranks documents by cosine similarity to the query and drops those
// scoring below the threshold.
func (ix *Index) Search(ctx context.Context, q Query) ([]Match, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, errors.New("toolsearch: empty query")
	}
	vectors, err := ix.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("toolsearch: embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("toolsearch: embedder returned %d vectors for one query", len(vectors))
	}
	qv := normalize(vectors[0])

	ix.mu.RLock()
	var matches []Match
	for server, entries := range ix.servers {
		if len(q.Servers) > 0 && !slices.Contains(q.Servers, server) {
			continue
		}
		for _, e := range entries {
			score := dot(qv, e.vector)
			if score < q.Threshold {
				continue
			}
			matches = append(matches, Match{Document: e.doc, Score: score})
		}
	}
	ix.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].ServerName != matches[j].ServerName {
			return matches[i].ServerName < matches[j].ServerName
		}
		return matches[i].ToolName < matches[j].ToolName
	})
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

func documentText(d Document) string {
	if d.Description == "" {
		return d.ToolName
	}
	return d.ToolName + " " + d.Description
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

func dot(a, b []float32) float64 {
	n := min(len(a), len(b))
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
