package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DocumentsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tl_documents_processed_total",
			Help: "Documents run through the extraction pipeline",
		},
		[]string{"outcome"}, // extracted | duplicate | invalid
	)

	IndicatorsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tl_indicators_extracted_total",
			Help: "Indicators emitted, by type and extraction method",
		},
		[]string{"type", "method"},
	)

	GuardrailDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tl_guardrail_decisions_total",
			Help: "Guardrail gate decisions, by direction",
		},
		[]string{"direction", "decision"},
	)

	GuardrailPrescreenHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tl_guardrail_prescreen_hits_total",
			Help: "Texts matching a cataloged attack example exactly",
		},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tl_provider_calls_total",
			Help: "Reasoning provider calls, by provider and outcome",
		},
		[]string{"provider", "outcome"}, // ok | timeout | error | blocked | rate_limited
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tl_provider_latency_seconds",
			Help:    "Reasoning provider call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	CorrelationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tl_correlation_runs_total",
			Help: "Correlation batch runs",
		},
		[]string{"outcome"}, // ok | error
	)

	ActorMerges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tl_actor_alias_merges_total",
			Help: "Alias merges into existing canonical profiles",
		},
	)
)
