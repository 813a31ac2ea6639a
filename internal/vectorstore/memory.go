package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store using exact cosine similarity. It backs
// deployments without a qdrant endpoint and all of the pipeline tests.
type Memory struct {
	dims int

	mu         sync.RWMutex
	namespaces map[string]map[string]Chunk
	seq        map[string]int64 // chunk ID -> insertion sequence, for tie-breaks
	nextSeq    int64
}

// NewMemory builds an empty in-memory store with fixed dimensionality.
func NewMemory(dims int) *Memory {
	return &Memory{
		dims:       dims,
		namespaces: make(map[string]map[string]Chunk),
		seq:        make(map[string]int64),
	}
}

// Dimensions returns the configured vector size.
func (m *Memory) Dimensions() int { return m.dims }

// Upsert stores chunks under namespace, replacing entries with the same
// ID. Replacement keeps the original insertion sequence so re-ingestion
// does not reshuffle tie-breaks.
func (m *Memory) Upsert(_ context.Context, namespace string, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]Chunk)
		m.namespaces[namespace] = ns
	}
	for _, c := range chunks {
		if len(c.Vector) != m.dims {
			return fmt.Errorf("chunk %s: vector dimensionality %d does not match store dimensionality %d", c.ID, len(c.Vector), m.dims)
		}
		if c.InsertedAt.IsZero() {
			c.InsertedAt = time.Now()
		}
		if _, exists := ns[c.ID]; !exists {
			m.nextSeq++
			m.seq[c.ID] = m.nextSeq
		}
		ns[c.ID] = c
	}
	return nil
}

// Query returns up to topK chunks from namespace ranked by cosine
// similarity, dropping hits below minScore. Unknown namespaces yield an
// empty result.
func (m *Memory) Query(_ context.Context, namespace string, vector []float32, topK int, minScore float32) ([]Scored, error) {
	if len(vector) != m.dims {
		return nil, fmt.Errorf("query vector dimensionality %d does not match store dimensionality %d", len(vector), m.dims)
	}
	if topK <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ns := m.namespaces[namespace]
	var hits []Scored
	for _, c := range ns {
		score := cosine(vector, c.Vector)
		if score < minScore {
			continue
		}
		hits = append(hits, Scored{Chunk: c, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return m.seq[hits[i].Chunk.ID] > m.seq[hits[j].Chunk.ID]
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Count returns the number of chunks stored under namespace.
func (m *Memory) Count(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.namespaces[namespace])
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
