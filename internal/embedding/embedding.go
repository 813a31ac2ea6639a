// Package embedding maps text to fixed-length vectors for the retrieval
// pipeline. The Provider interface allows swapping backends without
// changing consumers; the service ships an OpenAI implementation and an
// optional redis-backed cache decorator.
package embedding

import "context"

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector dimensionality. Every vector
	// returned by Embed has exactly this length.
	Dimensions() int
}
