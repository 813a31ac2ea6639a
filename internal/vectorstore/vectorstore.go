// Package vectorstore persists knowledge chunks and answers
// nearest-neighbor queries. The qdrant backend is used in production;
// the in-memory backend serves tests and deployments without qdrant.
package vectorstore

import (
	"context"
	"time"
)

// Chunk is the unit of storage: a bounded span of text plus its
// embedding. Chunks are never mutated in place; an update is a
// delete+insert under the same deterministic ID.
type Chunk struct {
	ID         string
	Namespace  string
	Text       string
	Vector     []float32
	Metadata   map[string]string
	InsertedAt time.Time
}

// Scored is a retrieval hit: a stored chunk plus its similarity score.
type Scored struct {
	Chunk Chunk
	Score float32
}

// Store is the adapter contract over a vector database. Upsert is
// idempotent by chunk ID. Query returns hits in descending score order,
// ties broken by most-recently-inserted first; an empty result is not
// an error.
type Store interface {
	Upsert(ctx context.Context, namespace string, chunks []Chunk) error
	Query(ctx context.Context, namespace string, vector []float32, topK int, minScore float32) ([]Scored, error)

	// Dimensions returns the vector size the store accepts. Chunks with
	// any other dimensionality are rejected, never truncated.
	Dimensions() int
}
