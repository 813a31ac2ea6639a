package engine

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/falconeye/config"
	"github.com/mohammad-safakhou/falconeye/internal/httpx"
)

// Provider is the completion backend the crew talks to.
type Provider interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// OpenAI calls the chat completions API directly over HTTP.
type OpenAI struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	http        *httpx.Client
}

// NewOpenAI builds a completion provider from the LLM section of the
// config.
func NewOpenAI(cfg config.LLMConfig) *OpenAI {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAI{
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		model:       cfg.CompletionModel,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		http:        httpx.New(cfg.Timeout, cfg.MaxRetries, 0),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (o *OpenAI) Complete(ctx context.Context, system, prompt string) (string, error) {
	body := chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	}
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + o.apiKey,
	}

	var out chatResponse
	if err := o.http.DoJSON(ctx, "POST", o.baseURL+"/chat/completions", headers, body, &out); err != nil {
		return "", fmt.Errorf("chat completion request: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}
