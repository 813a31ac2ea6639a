package vectorstore

import (
	"context"
	"testing"
	"time"
)

func chunk(id string, vec []float32) Chunk {
	return Chunk{ID: id, Namespace: "test", Text: "text-" + id, Vector: vec}
}

func TestMemoryUpsertRejectsDimensionMismatch(t *testing.T) {
	s := NewMemory(3)
	err := s.Upsert(context.Background(), "test", []Chunk{chunk("a", []float32{1, 0})})
	if err == nil {
		t.Fatal("expected dimensionality error")
	}
}

func TestMemoryQueryRanksBySimilarity(t *testing.T) {
	s := NewMemory(3)
	ctx := context.Background()
	err := s.Upsert(ctx, "test", []Chunk{
		chunk("exact", []float32{1, 0, 0}),
		chunk("close", []float32{0.9, 0.1, 0}),
		chunk("far", []float32{0, 0, 1}),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := s.Query(ctx, "test", []float32{1, 0, 0}, 2, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Chunk.ID != "exact" || hits[1].Chunk.ID != "close" {
		t.Fatalf("unexpected ranking: %s, %s", hits[0].Chunk.ID, hits[1].Chunk.ID)
	}
	if hits[0].Score < hits[1].Score {
		t.Fatalf("scores not descending: %f < %f", hits[0].Score, hits[1].Score)
	}
}

func TestMemoryQueryMinScoreFloor(t *testing.T) {
	s := NewMemory(2)
	ctx := context.Background()
	if err := s.Upsert(ctx, "test", []Chunk{chunk("orthogonal", []float32{0, 1})}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	hits, err := s.Query(ctx, "test", []float32{1, 0}, 5, 0.5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits above floor, got %d", len(hits))
	}
}

func TestMemoryQueryUnknownNamespaceIsEmpty(t *testing.T) {
	s := NewMemory(2)
	hits, err := s.Query(context.Background(), "nope", []float32{1, 0}, 5, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected empty result, got %d hits", len(hits))
	}
}

func TestMemoryTieBreakNewestFirst(t *testing.T) {
	s := NewMemory(2)
	ctx := context.Background()
	older := chunk("older", []float32{1, 0})
	older.InsertedAt = time.Now().Add(-time.Hour)
	if err := s.Upsert(ctx, "test", []Chunk{older}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	newer := chunk("newer", []float32{1, 0})
	if err := s.Upsert(ctx, "test", []Chunk{newer}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := s.Query(ctx, "test", []float32{1, 0}, 2, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 2 || hits[0].Chunk.ID != "newer" {
		t.Fatalf("expected newest-first tie break, got %+v", hits)
	}
}

func TestMemoryUpsertIsIdempotent(t *testing.T) {
	s := NewMemory(2)
	ctx := context.Background()
	c := chunk("same", []float32{1, 0})
	for i := 0; i < 3; i++ {
		if err := s.Upsert(ctx, "test", []Chunk{c}); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	if got := s.Count("test"); got != 1 {
		t.Fatalf("expected 1 stored chunk, got %d", got)
	}
}
