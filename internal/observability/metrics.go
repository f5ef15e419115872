package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application
// metrics. Built on Prometheus; exposed at /metrics.
type Metrics struct {
	// TurnCounter counts chat turns by terminal state.
	// Labels: status (persisted|failed)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full turn latency in seconds, context assembly
	// through persistence. Labels: model
	TurnDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ArtifactCounter counts artifact sub-generations.
	// Labels: kind, status (complete|partial|failed)
	ArtifactCounter *prometheus.CounterVec

	// ExtractionCounter counts memory extraction passes.
	// Labels: status (ok|skipped|error)
	ExtractionCounter *prometheus.CounterVec

	// MemoriesUpserted counts memory rows written by extraction.
	// Labels: category, op (insert|update|noop)
	MemoriesUpserted *prometheus.CounterVec

	// EventsEmitted counts stream events on the outbound channel.
	// Labels: type
	EventsEmitted *prometheus.CounterVec

	// EventsDropped counts events dropped after channel close.
	EventsDropped prometheus.Counter

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics with reg, or the
// default registry when reg is nil. Call once at startup.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kindred_turns_total",
				Help: "Chat turns by terminal state.",
			},
			[]string{"status"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kindred_turn_duration_seconds",
				Help:    "Full turn latency in seconds.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kindred_llm_requests_total",
				Help: "Model provider requests.",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kindred_llm_tokens_total",
				Help: "Token consumption by type.",
			},
			[]string{"provider", "model", "type"},
		),
		ArtifactCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kindred_artifacts_total",
				Help: "Artifact sub-generations by outcome.",
			},
			[]string{"kind", "status"},
		),
		ExtractionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kindred_memory_extractions_total",
				Help: "Post-turn memory extraction passes.",
			},
			[]string{"status"},
		),
		MemoriesUpserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kindred_memories_upserted_total",
				Help: "Memory rows written by extraction.",
			},
			[]string{"category", "op"},
		),
		EventsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kindred_stream_events_total",
				Help: "Stream events emitted on outbound channels.",
			},
			[]string{"type"},
		),
		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kindred_stream_events_dropped_total",
				Help: "Events dropped because the turn channel already closed.",
			},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kindred_http_request_duration_seconds",
				Help:    "HTTP API request latency.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
