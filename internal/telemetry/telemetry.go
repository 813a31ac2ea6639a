// Package telemetry centralizes the service's prometheus metrics and the
// otel tracer used across run processing.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the service-wide prometheus collectors. A single
// instance is created at startup and shared by every component.
type Metrics struct {
	RunsStarted     prometheus.Counter
	RunsCompleted   *prometheus.CounterVec
	EventsEmitted   *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	ChunksIngested  prometheus.Counter
	RetrievalCalls  *prometheus.CounterVec
	EmbeddingCalls  *prometheus.CounterVec
	LLMRequests     *prometheus.CounterVec
	BlockedTargets  prometheus.Counter
	ActiveRuns      prometheus.Gauge
}

var registerOnce sync.Once

// NewMetrics builds and registers the collectors with reg. Passing nil
// registers with the default registry (what /metrics serves).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falconeye_runs_started_total",
			Help: "Runs accepted past the safety gate",
		}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "falconeye_runs_completed_total",
			Help: "Runs reaching a terminal state, by status",
		}, []string{"status"}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "falconeye_events_emitted_total",
			Help: "Progress events published to subscribers, by type",
		}, []string{"type"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "falconeye_run_duration_seconds",
			Help:    "End-to-end run duration",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ChunksIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falconeye_chunks_ingested_total",
			Help: "Knowledge chunks upserted into the vector store",
		}),
		RetrievalCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "falconeye_retrieval_requests_total",
			Help: "Retrieval pipeline queries, by result",
		}, []string{"result"}),
		EmbeddingCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "falconeye_embedding_requests_total",
			Help: "Embedding provider calls, by result",
		}, []string{"result"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "falconeye_llm_requests_total",
			Help: "LLM completion calls, by result",
		}, []string{"result"}),
		BlockedTargets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "falconeye_blocked_targets_total",
			Help: "Submissions rejected by the safety gate",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "falconeye_active_runs",
			Help: "Runs currently in flight",
		}),
	}
	if reg == nil {
		// Registering twice with the default registry panics; guard
		// against accidental double init in tests.
		registerOnce.Do(func() {
			prometheus.MustRegister(
				m.RunsStarted, m.RunsCompleted, m.EventsEmitted, m.RunDuration,
				m.ChunksIngested, m.RetrievalCalls, m.EmbeddingCalls,
				m.LLMRequests, m.BlockedTargets, m.ActiveRuns,
			)
		})
		return m
	}
	reg.MustRegister(
		m.RunsStarted, m.RunsCompleted, m.EventsEmitted, m.RunDuration,
		m.ChunksIngested, m.RetrievalCalls, m.EmbeddingCalls,
		m.LLMRequests, m.BlockedTargets, m.ActiveRuns,
	)
	return m
}

// Tracer returns the named otel tracer. Span naming follows the
// "falconeye/<package>" convention.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
