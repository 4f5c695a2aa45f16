// Package metrics holds the Prometheus collectors of an ingestion process.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pkb"

// Metrics groups all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	cacheCorrupt   prometheus.Counter
	cacheSize      prometheus.Gauge

	embedRequests *prometheus.CounterVec
	embedLatency  prometheus.Histogram

	records       *prometheus.CounterVec
	upsertLatency prometheus.Histogram
}

// New creates the collectors and registers them on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of embedding cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of embedding cache misses",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of LRU evictions",
		}),
		cacheCorrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "corrupt_entries_total",
			Help:      "Persisted cache entries discarded as corrupt",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of in-memory cache entries",
		}),
		embedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "requests_total",
			Help:      "Embedding service calls by outcome",
		}, []string{"outcome"}),
		embedLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "embedding",
			Name:      "request_duration_seconds",
			Help:      "Latency of embedding service calls",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Records processed by collection and outcome",
		}, []string{"collection", "outcome"}),
		upsertLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "upsert_duration_seconds",
			Help:      "Latency of vector store upserts",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	collectors := []prometheus.Collector{
		m.cacheHits, m.cacheMisses, m.cacheEvictions, m.cacheCorrupt, m.cacheSize,
		m.embedRequests, m.embedLatency, m.records, m.upsertLatency,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry exposes the registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes all metrics in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) CacheEviction() {
	if m != nil {
		m.cacheEvictions.Inc()
	}
}

func (m *Metrics) CacheCorrupt() {
	if m != nil {
		m.cacheCorrupt.Inc()
	}
}

func (m *Metrics) CacheSize(n int) {
	if m != nil {
		m.cacheSize.Set(float64(n))
	}
}

// EmbedRequest records one call to the embedding service.
func (m *Metrics) EmbedRequest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.embedRequests.WithLabelValues(outcome).Inc()
	m.embedLatency.Observe(d.Seconds())
}

// Records adds n records with the given outcome.
func (m *Metrics) Records(collection, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.records.WithLabelValues(collection, outcome).Add(float64(n))
}

func (m *Metrics) Upsert(d time.Duration) {
	if m != nil {
		m.upsertLatency.Observe(d.Seconds())
	}
}
