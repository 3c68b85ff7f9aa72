// Package metrics exposes the process Prometheus registry and the
// instruments shared across subsystems.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the instruments. Construct once in wiring code and hand
// the pointer to components; Nop() gives tests a silent instance backed by
// a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	StageDuration   *prometheus.HistogramVec
	StageErrors     *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	WebhookSends    *prometheus.CounterVec
	IngestChunks    *prometheus.CounterVec
	LLMCalls        *prometheus.CounterVec
}

// New builds the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "answercore_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "answercore_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "answercore_stage_duration_seconds",
			Help:    "Pipeline stage latency.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"stage"}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "answercore_stage_errors_total",
			Help: "Pipeline stage failures by stage.",
		}, []string{"stage"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "answercore_cache_lookups_total",
			Help: "Result cache lookups by outcome (hit_exact, hit_semantic, miss).",
		}, []string{"outcome"}),
		WebhookSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "answercore_webhook_deliveries_total",
			Help: "Webhook delivery attempts by terminal status.",
		}, []string{"status"}),
		IngestChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "answercore_ingest_chunks_total",
			Help: "Ingested chunks by outcome (indexed, duplicate, failed).",
		}, []string{"outcome"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "answercore_llm_calls_total",
			Help: "Upstream model calls by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.StageDuration, m.StageErrors,
		m.CacheLookups, m.WebhookSends, m.IngestChunks, m.LLMCalls,
	)
	return m
}

// Nop returns metrics wired to a throwaway registry.
func Nop() *Metrics { return New() }

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage records one stage attempt; wire it as the pipeline observer.
func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		m.StageErrors.WithLabelValues(stage).Inc()
	}
}
