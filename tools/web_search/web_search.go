package web_search

import (
	"context"

	"github.com/mohammad-safakhou/falconeye/tools/web_search/brave"
	"github.com/mohammad-safakhou/falconeye/tools/web_search/models"
	"github.com/mohammad-safakhou/falconeye/tools/web_search/serper"
)

// WebSearcher discovers public pages about a query. Implementations
// never touch the query target directly; they only ask a search API.
type WebSearcher interface {
	Discover(ctx context.Context, q string, k int) ([]models.Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

type Error struct{ Msg string }

func (e *Error) Error() string { return e.Msg }

var ErrUnsupportedProvider = &Error{"unsupported provider"}

func NewWebSearcher(provider Provider, apiKey string) (WebSearcher, error) {
	switch provider {
	case SerperProvider:
		return serper.Search{ApiKey: apiKey}, nil
	case BraveProvider:
		return brave.Search{ApiKey: apiKey}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}
