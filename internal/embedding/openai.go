package embedding

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/falconeye/config"
	"github.com/mohammad-safakhou/falconeye/internal/httpx"
)

// OpenAI generates embeddings through the OpenAI REST API.
type OpenAI struct {
	apiKey  string
	baseURL string
	model   string
	dims    int
	http    *httpx.Client
}

// NewOpenAI builds the provider from LLM config.
func NewOpenAI(cfg config.LLMConfig) *OpenAI {
	return &OpenAI{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.EmbeddingModel,
		dims:    cfg.EmbeddingDims,
		http:    httpx.New(cfg.Timeout, cfg.MaxRetries, 0),
	}
}

// Dimensions returns the embedding vector size.
func (p *OpenAI) Dimensions() int { return p.dims }

// Embed generates embeddings for texts in a single batched API call.
func (p *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := map[string]any{
		"model": p.model,
		"input": texts,
	}
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	if err := p.http.DoJSON(ctx, "POST", p.baseURL+"/embeddings", headers, reqBody, &resp); err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response mismatch: sent %d inputs, got %d vectors", len(texts), len(resp.Data))
	}

	vecs := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embedding response index %d out of range", d.Index)
		}
		if len(d.Embedding) != p.dims {
			return nil, fmt.Errorf("embedding dimensionality mismatch: got %d, want %d", len(d.Embedding), p.dims)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
