// Package metrics defines the Prometheus metric collectors used across the
// platform and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	QueriesTotal         *prometheus.CounterVec
	StageLatency         *prometheus.HistogramVec
	GuardDetectionsTotal *prometheus.CounterVec
	BudgetRejections     *prometheus.CounterVec
	TokensConsumed       prometheus.Counter
	RetrievalDegraded    prometheus.Counter
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	AuditAppendsTotal    *prometheus.CounterVec
	DocsIndexedTotal     prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec
	EvaluationScore      *prometheus.HistogramVec
}

// New creates all collectors and registers them with reg. A nil reg uses the
// process-wide default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governed_queries_total",
				Help: "Total queries by response strategy.",
			},
			[]string{"strategy"},
		),
		StageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_latency_seconds",
				Help:    "Latency of each pipeline stage in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"stage"},
		),
		GuardDetectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_detections_total",
				Help: "Protected identifiers detected, by category.",
			},
			[]string{"category"},
		),
		BudgetRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budget_rejections_total",
				Help: "Admission rejections by reason.",
			},
			[]string{"reason"},
		),
		TokensConsumed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "budget_tokens_consumed_total",
				Help: "Tokens committed against budgets.",
			},
		),
		RetrievalDegraded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "retrieval_degraded_total",
				Help: "Retrievals served from a single stage.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of answer cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of answer cache misses.",
			},
		),
		AuditAppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_appends_total",
				Help: "Audit chain appends by stage and status.",
			},
			[]string{"stage", "status"},
		),
		DocsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docs_indexed_total",
				Help: "Total documents indexed.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		EvaluationScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evaluation_score",
				Help:    "Answer quality scores from offline evaluation, by metric.",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"metric"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.QueriesTotal,
		m.StageLatency,
		m.GuardDetectionsTotal,
		m.BudgetRejections,
		m.TokensConsumed,
		m.RetrievalDegraded,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.AuditAppendsTotal,
		m.DocsIndexedTotal,
		m.CircuitBreakerState,
		m.EvaluationScore,
	)

	return m
}

// Handler serves the collectors of g, or of the default gatherer when g is
// nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
