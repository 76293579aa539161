// Package metrics exposes the service's prometheus collectors on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "finchat"

// Fallback kinds.
const (
	FallbackClassification = "classification"
	FallbackSynthesis      = "synthesis"
)

// Metrics holds every collector. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	stageDuration   *prometheus.HistogramVec
	requests        *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	indexGeneration prometheus.Gauge
	indexDocuments  prometheus.Gauge
	rebuilds        *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each orchestration stage.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2, 4, 8},
		}, []string{"stage"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Queries handled, by intent and final status.",
		}, []string{"intent", "status"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Classification defaults and templated synthesis fallbacks.",
		}, []string{"kind"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_lookups_total",
			Help:      "Query-embedding cache lookups by result.",
		}, []string{"result"}),
		indexGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_generation",
			Help:      "Id of the active vector index generation.",
		}),
		indexDocuments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_documents",
			Help:      "Documents in the active vector index generation.",
		}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_rebuilds_total",
			Help:      "Index rebuild attempts by outcome.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.stageDuration,
		m.requests,
		m.fallbacks,
		m.cacheLookups,
		m.indexGeneration,
		m.indexDocuments,
		m.rebuilds,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) Request(intent, status string) {
	if m == nil {
		return
	}
	if intent == "" {
		intent = "unknown"
	}
	m.requests.WithLabelValues(intent, status).Inc()
}

func (m *Metrics) Fallback(kind string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(kind).Inc()
}

// CacheLookup matches retrieval.Options.OnCacheLookup.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// IndexSwapped records the newly active generation.
func (m *Metrics) IndexSwapped(generation int64, documents int) {
	if m == nil {
		return
	}
	m.indexGeneration.Set(float64(generation))
	m.indexDocuments.Set(float64(documents))
}

func (m *Metrics) Rebuild(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
	}
	m.rebuilds.WithLabelValues(status).Inc()
}
