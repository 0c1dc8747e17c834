package elasticsearch

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one engine instance. Each
// instance registers on its own registry so several engines can live in one
// process, scrape them through Handler.
type Metrics struct {
	registry *prometheus.Registry

	DocsIndexedTotal prometheus.Counter
	DocsDeletedTotal prometheus.Counter
	FlushesTotal     *prometheus.CounterVec
	FlushDuration    prometheus.Histogram
	MergesTotal      *prometheus.CounterVec
	MergeDuration    prometheus.Histogram
	SearchesTotal    *prometheus.CounterVec
	SearchLatency    *prometheus.HistogramVec

	SegmentCount      prometheus.Gauge
	SegmentsSizeBytes prometheus.Gauge
	DeletedDocs       prometheus.Gauge
	CacheEntries      prometheus.Gauge
	CacheSizeBytes    prometheus.Gauge
	CacheHits         prometheus.Gauge
	CacheMisses       prometheus.Gauge
	CacheEvictions    prometheus.Gauge
}

// NewMetrics creates and registers all engine collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		DocsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docs_indexed_total",
				Help: "Total documents indexed.",
			},
		),
		DocsDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docs_deleted_total",
				Help: "Total documents marked deleted.",
			},
		),
		FlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_flushes_total",
				Help: "Total flush operations by status.",
			},
			[]string{"status"},
		),
		FlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flush_duration_seconds",
				Help:    "Flush latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		MergesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "segment_merges_total",
				Help: "Total segment merges by status.",
			},
			[]string{"status"},
		),
		MergeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "merge_duration_seconds",
				Help:    "Merge latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		SearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by cache status (hit, miss, error).",
			},
			[]string{"cache_status"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		SegmentCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "segment_count",
				Help: "Number of live segments.",
			},
		),
		SegmentsSizeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "segments_size_bytes",
				Help: "Total size of live segment files in bytes.",
			},
		),
		DeletedDocs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "deleted_docs",
				Help: "Documents marked deleted but not yet merged away.",
			},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cache_entries",
				Help: "Entries in the query cache.",
			},
		),
		CacheSizeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cache_size_bytes",
				Help: "Size of cached bitmaps in bytes.",
			},
		),
		CacheHits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cache_hits",
				Help: "Query cache hits since open.",
			},
		),
		CacheMisses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cache_misses",
				Help: "Query cache misses since open.",
			},
		),
		CacheEvictions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cache_evictions",
				Help: "Query cache evictions since open.",
			},
		),
	}

	m.registry.MustRegister(
		m.DocsIndexedTotal,
		m.DocsDeletedTotal,
		m.FlushesTotal,
		m.FlushDuration,
		m.MergesTotal,
		m.MergeDuration,
		m.SearchesTotal,
		m.SearchLatency,
		m.SegmentCount,
		m.SegmentsSizeBytes,
		m.DeletedDocs,
		m.CacheEntries,
		m.CacheSizeBytes,
		m.CacheHits,
		m.CacheMisses,
		m.CacheEvictions,
	)

	return m
}

// Handler returns the Prometheus scrape handler for this engine's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OnFlush is called when a flush completes.
func (m *Metrics) OnFlush(took time.Duration, err error) {
	m.FlushesTotal.WithLabelValues(status(err)).Inc()
	if err == nil {
		m.FlushDuration.Observe(took.Seconds())
	}
}

// OnMerge is called when a merge plan finishes, merged is how many segments
// went in, zero when the plan was skipped.
func (m *Metrics) OnMerge(took time.Duration, merged int, err error) {
	if err == nil && merged == 0 {
		return
	}
	m.MergesTotal.WithLabelValues(status(err)).Inc()
	if err == nil {
		m.MergeDuration.Observe(took.Seconds())
	}
}

// OnSearch is called when a search completes.
func (m *Metrics) OnSearch(took time.Duration, cached bool, err error) {
	st := "miss"
	switch {
	case err != nil:
		st = "error"
	case cached:
		st = "hit"
	}
	m.SearchesTotal.WithLabelValues(st).Inc()
	if err == nil {
		m.SearchLatency.WithLabelValues(st).Observe(took.Seconds())
	}
}

// Observe updates the state gauges from an engine stats snapshot.
func (m *Metrics) Observe(s Stats) {
	m.SegmentCount.Set(float64(s.Segments))
	m.SegmentsSizeBytes.Set(float64(s.SegmentsSize))
	m.DeletedDocs.Set(float64(s.Deleted))
	m.CacheEntries.Set(float64(s.CacheEntries))
	m.CacheSizeBytes.Set(float64(s.CacheSize))
	m.CacheHits.Set(float64(s.CacheHits))
	m.CacheMisses.Set(float64(s.CacheMisses))
	m.CacheEvictions.Set(float64(s.CacheEvictions))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
