// Package server wires configuration into the service dependency graph
// and exposes the HTTP API.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/falconeye/config"
	"github.com/mohammad-safakhou/falconeye/internal/embedding"
	"github.com/mohammad-safakhou/falconeye/internal/engine"
	"github.com/mohammad-safakhou/falconeye/internal/memory"
	"github.com/mohammad-safakhou/falconeye/internal/recon"
	"github.com/mohammad-safakhou/falconeye/internal/telemetry"
	"github.com/mohammad-safakhou/falconeye/internal/vectorstore"
	"github.com/mohammad-safakhou/falconeye/tools/web_fetch"
	"github.com/mohammad-safakhou/falconeye/tools/web_search"
)

// New assembles the echo instance: middleware, the unified error
// handler, and all routes against the given orchestrator.
func New(orch *recon.Orchestrator) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	rh := &RunsHandler{Orch: orch}
	rh.Register(e.Group("/api"))
	return e
}

// Run builds the whole dependency graph from cfg and serves on addr.
// An empty addr falls back to general.listen.
func Run(cfg *config.Config, addr string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx := context.Background()
	logger := log.New(log.Writer(), "[SERVER] ", log.LstdFlags)
	metrics := telemetry.NewMetrics(nil)

	// Embedding provider, optionally fronted by the redis cache.
	var provider embedding.Provider = embedding.NewOpenAI(cfg.LLM)
	if cfg.Redis.Host != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     net.JoinHostPort(cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.Timeout)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Redis.Host, cfg.Redis.Port, err)
		}
		provider = embedding.NewCache(provider, rdb, cfg.Redis.TTL)
		logger.Printf("embedding cache enabled (redis %s:%s)", cfg.Redis.Host, cfg.Redis.Port)
	}

	// Vector store: qdrant when configured, else the in-process store.
	var store vectorstore.Store
	if cfg.Vector.URL != "" {
		qs, err := vectorstore.NewQdrant(ctx, vectorstore.QdrantConfig{
			URL:        cfg.Vector.URL,
			APIKey:     cfg.Vector.APIKey,
			Collection: cfg.Vector.Collection,
			Dims:       cfg.LLM.EmbeddingDims,
			Timeout:    cfg.Vector.Timeout,
		})
		if err != nil {
			return fmt.Errorf("qdrant init: %w", err)
		}
		store = qs
	} else {
		logger.Printf("vector.url not set; knowledge is kept in process and lost on restart")
		store = vectorstore.NewMemory(cfg.LLM.EmbeddingDims)
	}

	chunker := memory.NewChunker(cfg.Memory.ChunkMaxChars, cfg.Memory.ChunkMaxTokens, cfg.Memory.ChunkOverlap)
	pipeline, err := memory.NewPipeline(provider, store, chunker, memory.Options{
		TopK:          cfg.Memory.TopK,
		MinSimilarity: float32(cfg.Memory.MinSimilarity),
		MaxRetries:    cfg.Memory.MaxRetries,
	}, metrics)
	if err != nil {
		return err
	}

	var searcher web_search.WebSearcher
	switch {
	case cfg.Search.SerperAPIKey != "":
		searcher, err = web_search.NewWebSearcher(web_search.SerperProvider, cfg.Search.SerperAPIKey)
	case cfg.Search.BraveAPIKey != "":
		searcher, err = web_search.NewWebSearcher(web_search.BraveProvider, cfg.Search.BraveAPIKey)
	default:
		logger.Printf("no search API key configured; recon runs without live search")
	}
	if err != nil {
		return err
	}

	var fetcher web_fetch.WebFetcher
	if cfg.Fetch.Enabled {
		fetcher, err = web_fetch.NewWebFetcher(web_fetch.ChromedpFetcherType, cfg.Fetch.Timeout, cfg.Fetch.MaxChars, cfg.Fetch.UserAgent)
		if err != nil {
			return err
		}
	}

	crew := engine.NewCrew(engine.NewOpenAI(cfg.LLM), engine.CrewOptions{
		Searcher:   searcher,
		Fetcher:    fetcher,
		Retriever:  pipeline,
		MaxResults: cfg.Search.MaxResults,
		Metrics:    metrics,
	})

	orch := recon.NewOrchestrator(crew, pipeline, recon.OrchestratorOptions{
		RunTimeout:       cfg.General.RunTimeout,
		DefaultNamespace: cfg.Memory.DefaultNamespace,
		Metrics:          metrics,
	})
	orch.StartSweeper(ctx, 10*time.Minute, time.Hour)

	e := New(orch)
	if addr == "" {
		addr = cfg.General.Listen
	}
	logger.Printf("listening on %s", addr)
	return e.Start(addr)
}
