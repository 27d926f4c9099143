// Package metrics defines the Prometheus collectors used by the matching
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	BuildsTotal           *prometheus.CounterVec
	BuildDuration         prometheus.Histogram
	RecordsProcessedTotal prometheus.Counter
	BatchesFailedTotal    prometheus.Counter
	StatisticsGeneration  prometheus.Gauge
	StatisticsTokens      *prometheus.GaugeVec

	MatchQueriesTotal   *prometheus.CounterVec
	MatchLatency        *prometheus.HistogramVec
	CandidatesRetrieved prometheus.Histogram
	StaleCandidates     prometheus.Counter
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter

	StorageOpDuration   *prometheus.HistogramVec
	StorageRetriesTotal *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	registry prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses the
// process-wide default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTP requests by method, matched route and status code.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "route"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		BuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statistics_builds_total",
				Help: "Statistics builds by outcome (published, aborted, cancelled, failed).",
			},
			[]string{"outcome"},
		),
		BuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "statistics_build_duration_seconds",
				Help:    "Wall-clock duration of statistics builds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),
		RecordsProcessedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "statistics_records_processed_total",
				Help: "Records tokenized and counted by statistics builds.",
			},
		),
		BatchesFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "statistics_batches_failed_total",
				Help: "Batches skipped because they contained unreadable rows.",
			},
		),
		StatisticsGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "statistics_generation",
				Help: "Generation of the statistics snapshot currently served.",
			},
		),
		StatisticsTokens: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "statistics_distinct_tokens",
				Help: "Distinct tokens per field in the served statistics.",
			},
			[]string{"field"},
		),
		MatchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "match_queries_total",
				Help: "Match queries by result type (hit, zero_result, no_tokens, error).",
			},
			[]string{"result_type"},
		),
		MatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "match_latency_seconds",
				Help:    "Match query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"cache_status"},
		),
		CandidatesRetrieved: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "match_candidates_retrieved",
				Help:    "Candidate ids shortlisted per query after truncation.",
				Buckets: []float64{0, 1, 5, 10, 50, 100, 250, 500, 1000},
			},
		),
		StaleCandidates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "match_stale_candidates_total",
				Help: "Candidate ids that no longer resolved to a record.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses.",
			},
		),
		StorageOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_operation_duration_seconds",
				Help:    "Storage call latency by operation and status.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "status"},
		),
		StorageRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_retries_total",
				Help: "Retried storage reads by operation.",
			},
			[]string{"operation"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.BuildsTotal,
		m.BuildDuration,
		m.RecordsProcessedTotal,
		m.BatchesFailedTotal,
		m.StatisticsGeneration,
		m.StatisticsTokens,
		m.MatchQueriesTotal,
		m.MatchLatency,
		m.CandidatesRetrieved,
		m.StaleCandidates,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.StorageOpDuration,
		m.StorageRetriesTotal,
		m.CircuitBreakerState,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.registry = g
	}

	return m
}

// NewForTest registers against a private registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveStorage records one storage call. It matches storage.Observer.
func (m *Metrics) ObserveStorage(op string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StorageOpDuration.WithLabelValues(op, status).Observe(d.Seconds())
}

// Handler returns the scrape handler for the registry m was built with.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil || m.registry == prometheus.DefaultGatherer {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
