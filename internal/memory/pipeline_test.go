package memory

import (
	"context"
	"crypto/sha256"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/falconeye/internal/vectorstore"
)

type fakeProvider struct {
	dims  int
	fail  func(texts []string) error
	calls int
}

func (f *fakeProvider) Dimensions() int { return f.dims }

func (f *fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail != nil {
		if err := f.fail(texts); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t, f.dims)
	}
	return out, nil
}

// hashVector derives a stable vector from text so identical texts embed
// identically and retrieval ranking is reproducible.
func hashVector(text string, dims int) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, dims)
	for i := range v {
		v[i] = float32(sum[i%len(sum)]) / 255
	}
	return v
}

func testPipeline(t *testing.T, provider *fakeProvider) (*Pipeline, *vectorstore.Memory) {
	t.Helper()
	store := vectorstore.NewMemory(provider.dims)
	p, err := NewPipeline(provider, store, NewChunker(60, 0, 10), Options{
		TopK:       5,
		MaxRetries: 2,
		Backoff:    time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p, store
}

func TestNewPipelineDimsMismatch(t *testing.T) {
	provider := &fakeProvider{dims: 8}
	store := vectorstore.NewMemory(4)
	if _, err := NewPipeline(provider, store, NewChunker(60, 0, 10), Options{}, nil); err == nil {
		t.Fatal("expected dimensionality mismatch error")
	}
}

func TestIngestAndRetrieveRoundTrip(t *testing.T) {
	p, _ := testPipeline(t, &fakeProvider{dims: 8})
	ctx := context.Background()

	n, err := p.Ingest(ctx, "run-1", "acme-corp.com runs a public bug bounty program", nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 chunk stored, got %d", n)
	}

	hits, err := p.Retrieve(ctx, "run-1", "acme-corp.com runs a public bug bounty program", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if !strings.Contains(hits[0].Chunk.Text, "acme-corp.com") {
		t.Fatalf("unexpected top hit: %q", hits[0].Chunk.Text)
	}
}

func TestIngestIdempotent(t *testing.T) {
	p, store := testPipeline(t, &fakeProvider{dims: 8})
	ctx := context.Background()
	text := "the registrar record lists an abuse contact and two name servers for the target"

	if _, err := p.Ingest(ctx, "run-1", text, nil); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	first := store.Count("run-1")
	if _, err := p.Ingest(ctx, "run-1", text, nil); err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if got := store.Count("run-1"); got != first {
		t.Fatalf("re-ingestion changed chunk count: %d -> %d", first, got)
	}
}

func TestIngestEmptyTextIsNoop(t *testing.T) {
	provider := &fakeProvider{dims: 8}
	p, _ := testPipeline(t, provider)
	n, err := p.Ingest(context.Background(), "run-1", "   \n  ", nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 chunks, got %d", n)
	}
	if provider.calls != 0 {
		t.Fatalf("embedder called %d times for empty input", provider.calls)
	}
}

func TestRetrieveEmptyQuery(t *testing.T) {
	p, _ := testPipeline(t, &fakeProvider{dims: 8})
	hits, err := p.Retrieve(context.Background(), "run-1", "   ", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if hits != nil {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
}

func TestRetrieveUnknownNamespace(t *testing.T) {
	p, _ := testPipeline(t, &fakeProvider{dims: 8})
	hits, err := p.Retrieve(context.Background(), "never-seen", "anything at all", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected empty result, got %d hits", len(hits))
	}
}

func TestRetrieveEmbedderDown(t *testing.T) {
	provider := &fakeProvider{dims: 8, fail: func([]string) error {
		return errors.New("connection refused")
	}}
	p, _ := testPipeline(t, provider)

	_, err := p.Retrieve(context.Background(), "run-1", "who owns acme-corp.com", 3)
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if unavailable.Op != "embedding service" {
		t.Fatalf("unexpected op: %q", unavailable.Op)
	}
	if provider.calls < 2 {
		t.Fatalf("expected retries, embedder called %d times", provider.calls)
	}
}

func TestIngestPartialFailure(t *testing.T) {
	// Batch calls fail so ingestion degrades to per-chunk embedding,
	// and one specific chunk keeps failing.
	provider := &fakeProvider{dims: 8, fail: func(texts []string) error {
		if len(texts) > 1 {
			return errors.New("batch too large")
		}
		if strings.Contains(texts[0], "poison") {
			return errors.New("upstream rejected input")
		}
		return nil
	}}
	p, store := testPipeline(t, provider)

	text := strings.Repeat("open ports and banner grabs for the host ", 3) +
		"poison poison poison poison poison poison poison poison poison " +
		strings.Repeat("certificate transparency log entries for the domain ", 3)

	n, err := p.Ingest(context.Background(), "run-1", text, nil)
	var ingErr *IngestionError
	if !errors.As(err, &ingErr) {
		t.Fatalf("expected IngestionError, got %v", err)
	}
	if n == 0 || ingErr.Stored != n {
		t.Fatalf("expected partial progress, stored=%d err=%+v", n, ingErr)
	}
	if ingErr.Failed == 0 {
		t.Fatal("expected at least one failed chunk")
	}
	if store.Count("run-1") != n {
		t.Fatalf("store holds %d chunks, reported %d", store.Count("run-1"), n)
	}
}
