// Package metrics exposes Prometheus collectors for library sync and
// citation completion. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync cycle outcomes.
const (
	SyncUpdated   = "updated"
	SyncUnchanged = "unchanged"
	SyncFailed    = "failed"
	SyncDisabled  = "disabled"
)

// Completion query modes.
const (
	ModeFirstPaint = "first_paint"
	ModeCold       = "cold"
)

type Metrics struct {
	registry *prometheus.Registry

	syncCycles        *prometheus.CounterVec
	collectionsReused prometheus.Counter
	collectionsFresh  prometheus.Counter
	syncDuration      prometheus.Histogram
	queries           *prometheus.CounterVec
	staleRefreshes    prometheus.Counter
	openSessions      prometheus.Gauge
}

// New creates collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citekit",
			Name:      "sync_cycles_total",
			Help:      "Library sync cycles by outcome.",
		}, []string{"result"}),
		collectionsReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "citekit",
			Name:      "sync_collections_reused_total",
			Help:      "Collections whose cached items were carried forward.",
		}),
		collectionsFresh: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "citekit",
			Name:      "sync_collections_fresh_total",
			Help:      "Collections whose items were taken from the server.",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "citekit",
			Name:      "sync_duration_seconds",
			Help:      "Duration of library sync cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citekit",
			Name:      "completion_queries_total",
			Help:      "Citation completion queries by mode.",
		}, []string{"mode"}),
		staleRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "citekit",
			Name:      "completion_stale_refreshes_total",
			Help:      "Streamed refreshes discarded because a newer query started.",
		}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "citekit",
			Name:      "open_sessions",
			Help:      "Open document sessions.",
		}),
	}
	m.registry.MustRegister(
		m.syncCycles,
		m.collectionsReused,
		m.collectionsFresh,
		m.syncDuration,
		m.queries,
		m.staleRefreshes,
		m.openSessions,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SyncCycle(result string, started time.Time) {
	if m == nil {
		return
	}
	m.syncCycles.WithLabelValues(result).Inc()
	m.syncDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) CollectionMerged(reused bool) {
	if m == nil {
		return
	}
	if reused {
		m.collectionsReused.Inc()
		return
	}
	m.collectionsFresh.Inc()
}

func (m *Metrics) CompletionQuery(mode string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(mode).Inc()
}

func (m *Metrics) StaleRefresh() {
	if m == nil {
		return
	}
	m.staleRefreshes.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.openSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.openSessions.Dec()
}
