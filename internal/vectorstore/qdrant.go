package vectorstore

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig holds connection settings for a qdrant backend.
type QdrantConfig struct {
	URL        string // "https://host:6333" or "host:6334"
	APIKey     string
	Collection string
	Dims       int
	Timeout    time.Duration
}

// Qdrant implements Store backed by a qdrant collection. Namespaces are
// an indexed keyword payload field on a single collection, so isolation
// is a query filter rather than a collection per namespace.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dims       int
	timeout    time.Duration
	logger     *log.Logger
}

// parseQdrantURL extracts host, port, and TLS flag from a qdrant URL.
// A REST port (6333) is mapped to the gRPC port (6334).
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("invalid qdrant URL: %q", rawURL)
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid port in qdrant URL: %q", portStr)
		}
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}
	return host, port, useTLS, nil
}

// NewQdrant connects to qdrant over gRPC and ensures the collection
// exists with the expected dimensionality. A dimensionality mismatch
// with a pre-existing collection is a hard failure.
func NewQdrant(ctx context.Context, cfg QdrantConfig) (*Qdrant, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant at %s:%d: %w", host, port, err)
	}

	q := &Qdrant{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		timeout:    cfg.Timeout,
		logger:     log.New(log.Writer(), "[QDRANT] ", log.LstdFlags),
	}
	if err := q.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Dimensions returns the collection's vector size.
func (q *Qdrant) Dimensions() int { return q.dims }

// ensureCollection creates the collection if missing and verifies its
// dimensionality otherwise. The namespace payload index is always
// ensured; CreateFieldIndex is idempotent on qdrant.
func (q *Qdrant) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(q.dims),
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("create collection %q: %w", q.collection, err)
		}
		q.logger.Printf("created collection %q (dims=%d)", q.collection, q.dims)
	} else {
		info, err := q.client.GetCollectionInfo(ctx, q.collection)
		if err != nil {
			return fmt.Errorf("inspect collection %q: %w", q.collection, err)
		}
		if params := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
			if got := int(params.GetSize()); got != q.dims {
				return fmt.Errorf("collection %q has dimensionality %d, embedding provider produces %d", q.collection, got, q.dims)
			}
		}
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "namespace",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("ensure namespace index: %w", err)
	}
	return nil
}

// Upsert writes chunks into the collection. Chunk IDs are deterministic,
// so re-ingesting the same source text replaces rather than duplicates.
func (q *Qdrant) Upsert(ctx context.Context, namespace string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		if len(c.Vector) != q.dims {
			return fmt.Errorf("chunk %s: vector dimensionality %d does not match collection dimensionality %d", c.ID, len(c.Vector), q.dims)
		}
		insertedAt := c.InsertedAt
		if insertedAt.IsZero() {
			insertedAt = time.Now()
		}
		payload := map[string]any{
			"namespace":        namespace,
			"text":             c.Text,
			"inserted_at_unix": float64(insertedAt.UnixNano()) / 1e9,
		}
		for k, v := range c.Metadata {
			payload["meta_"+k] = v
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(c.ID),
			Vectors: qdrant.NewVectorsDense(c.Vector),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// Query runs a nearest-neighbor search restricted to namespace. Results
// come back in descending score order; equal scores are re-sorted by
// insertion time, newest first.
func (q *Qdrant) Query(ctx context.Context, namespace string, vector []float32, topK int, minScore float32) ([]Scored, error) {
	if len(vector) != q.dims {
		return nil, fmt.Errorf("query vector dimensionality %d does not match collection dimensionality %d", len(vector), q.dims)
	}
	if topK <= 0 {
		return nil, nil
	}
	ctx, cancel := q.withTimeout(ctx)
	defer cancel()

	limit := uint64(topK)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vector),
		Filter: &qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch("namespace", namespace),
		}},
		Limit:          &limit,
		ScoreThreshold: &minScore,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	hits := make([]Scored, 0, len(scored))
	for _, sp := range scored {
		id := sp.Id.GetUuid()
		if id == "" {
			continue
		}
		payload := sp.GetPayload()
		chunk := Chunk{
			ID:        id,
			Namespace: namespace,
			Metadata:  map[string]string{},
		}
		if v, ok := payload["text"]; ok {
			chunk.Text = v.GetStringValue()
		}
		if v, ok := payload["inserted_at_unix"]; ok {
			sec := v.GetDoubleValue()
			chunk.InsertedAt = time.Unix(0, int64(sec*1e9))
		}
		for k, v := range payload {
			if len(k) > 5 && k[:5] == "meta_" {
				chunk.Metadata[k[5:]] = v.GetStringValue()
			}
		}
		hits = append(hits, Scored{Chunk: chunk, Score: sp.Score})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.InsertedAt.After(hits[j].Chunk.InsertedAt)
	})
	return hits, nil
}

func (q *Qdrant) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, q.timeout)
}
