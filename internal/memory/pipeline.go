package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/falconeye/internal/embedding"
	"github.com/mohammad-safakhou/falconeye/internal/telemetry"
	"github.com/mohammad-safakhou/falconeye/internal/vectorstore"
)

// Options tune the retrieval pipeline.
type Options struct {
	TopK          int
	MinSimilarity float32
	MaxRetries    int
	Backoff       time.Duration
}

// Pipeline composes chunking, embedding, and vector storage into the
// ingest/retrieve operations the orchestrator and agents use.
type Pipeline struct {
	provider embedding.Provider
	store    vectorstore.Store
	chunker  *Chunker
	opts     Options
	logger   *log.Logger
	metrics  *telemetry.Metrics
}

// NewPipeline wires the pipeline. Provider and store dimensionality
// must agree; a mismatch is a configuration error, not something to
// truncate around.
func NewPipeline(provider embedding.Provider, store vectorstore.Store, chunker *Chunker, opts Options, metrics *telemetry.Metrics) (*Pipeline, error) {
	if provider.Dimensions() != store.Dimensions() {
		return nil, fmt.Errorf("embedding dimensionality %d does not match vector store dimensionality %d",
			provider.Dimensions(), store.Dimensions())
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	return &Pipeline{
		provider: provider,
		store:    store,
		chunker:  chunker,
		opts:     opts,
		logger:   log.New(log.Writer(), "[MEMORY] ", log.LstdFlags),
		metrics:  metrics,
	}, nil
}

// TopK returns the configured default result count.
func (p *Pipeline) TopK() int { return p.opts.TopK }

// Ingest chunks text, embeds the chunks, and upserts them under
// namespace. It returns the number of chunks stored. A failed batch
// embedding degrades to per-chunk retries; chunks that still fail are
// reported through *IngestionError alongside the count that succeeded.
func (p *Pipeline) Ingest(ctx context.Context, namespace, text string, metadata map[string]string) (int, error) {
	spans := p.chunker.Chunk(text)
	if len(spans) == 0 {
		return 0, nil
	}

	texts := make([]string, len(spans))
	for i, s := range spans {
		texts[i] = s.Text
	}

	vecs, embedErr := p.embedBatch(ctx, texts)
	var failed int
	if embedErr != nil {
		p.logger.Printf("batch embedding of %d chunks failed, retrying per chunk: %v", len(spans), embedErr)
		vecs = make([][]float32, len(spans))
		for i, t := range texts {
			one, err := p.embedBatch(ctx, []string{t})
			if err != nil {
				failed++
				continue
			}
			vecs[i] = one[0]
		}
	}

	now := time.Now()
	chunks := make([]vectorstore.Chunk, 0, len(spans))
	for i, s := range spans {
		if vecs[i] == nil {
			continue
		}
		chunks = append(chunks, vectorstore.Chunk{
			ID:         ChunkID(namespace, s.Offset, s.Text),
			Namespace:  namespace,
			Text:       s.Text,
			Vector:     vecs[i],
			Metadata:   metadata,
			InsertedAt: now,
		})
	}
	if len(chunks) == 0 {
		return 0, &IngestionError{Stored: 0, Failed: failed, Err: embedErr}
	}

	if err := p.retry(ctx, func() error {
		return p.store.Upsert(ctx, namespace, chunks)
	}); err != nil {
		return 0, &IngestionError{Stored: 0, Failed: len(spans), Err: err}
	}

	if p.metrics != nil {
		p.metrics.ChunksIngested.Add(float64(len(chunks)))
	}
	if failed > 0 {
		return len(chunks), &IngestionError{Stored: len(chunks), Failed: failed, Err: embedErr}
	}
	return len(chunks), nil
}

// Retrieve embeds query once and returns the topK most similar chunks
// in namespace, descending by similarity. An empty namespace or a query
// that clears no chunk over the similarity floor yields an empty slice,
// not an error.
func (p *Pipeline) Retrieve(ctx context.Context, namespace, query string, topK int) ([]vectorstore.Scored, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = p.opts.TopK
	}

	vecs, err := p.embedBatch(ctx, []string{query})
	if err != nil {
		p.countRetrieval("embed_error")
		return nil, &UnavailableError{Op: "embedding service", Err: err}
	}

	var hits []vectorstore.Scored
	err = p.retry(ctx, func() error {
		var qerr error
		hits, qerr = p.store.Query(ctx, namespace, vecs[0], topK, p.opts.MinSimilarity)
		return qerr
	})
	if err != nil {
		p.countRetrieval("store_error")
		return nil, &UnavailableError{Op: "vector store", Err: err}
	}
	if len(hits) == 0 {
		p.countRetrieval("empty")
	} else {
		p.countRetrieval("ok")
	}
	return hits, nil
}

// embedBatch embeds texts with bounded retries.
func (p *Pipeline) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := p.retry(ctx, func() error {
		var eerr error
		vecs, eerr = p.provider.Embed(ctx, texts)
		return eerr
	})
	if p.metrics != nil {
		if err != nil {
			p.metrics.EmbeddingCalls.WithLabelValues("error").Inc()
		} else {
			p.metrics.EmbeddingCalls.WithLabelValues("ok").Inc()
		}
	}
	return vecs, err
}

// retry runs fn up to MaxRetries times with exponential backoff.
func (p *Pipeline) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.opts.MaxRetries; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
		} else {
			return nil
		}
		if attempt < p.opts.MaxRetries-1 {
			select {
			case <-time.After(p.opts.Backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (p *Pipeline) countRetrieval(result string) {
	if p.metrics != nil {
		p.metrics.RetrievalCalls.WithLabelValues(result).Inc()
	}
}
