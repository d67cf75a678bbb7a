// Package metrics holds the Prometheus collectors shared by the store, the
// hybrid search engine and the embedding backfill pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every method is a no-op then.
type Metrics struct {
	NodeWrites       *prometheus.CounterVec
	EdgeWrites       *prometheus.CounterVec
	Searches         *prometheus.CounterVec
	SearchLatency    prometheus.Histogram
	SearchDegraded   prometheus.Counter
	EmbeddingsStored prometheus.Counter
	BackfillFailures prometheus.Counter
	BackfillLatency  prometheus.Histogram
	Migrations       *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		NodeWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiongraph_node_writes_total",
			Help: "Node writes by operation",
		}, []string{"op"}), // op: create, update, delete

		EdgeWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiongraph_edge_writes_total",
			Help: "Edge writes by edge type",
		}, []string{"type"}),

		Searches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiongraph_searches_total",
			Help: "Hybrid searches by scoring method",
		}, []string{"method"}),

		SearchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessiongraph_search_duration_seconds",
			Help:    "Hybrid search latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SearchDegraded: f.NewCounter(prometheus.CounterOpts{
			Name: "sessiongraph_search_degraded_total",
			Help: "Searches that fell back to keyword-only scoring",
		}),

		EmbeddingsStored: f.NewCounter(prometheus.CounterOpts{
			Name: "sessiongraph_embeddings_stored_total",
			Help: "Embeddings written by the backfill pipeline",
		}),

		BackfillFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sessiongraph_backfill_failures_total",
			Help: "Nodes whose embedding could not be generated or stored",
		}),

		BackfillLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sessiongraph_backfill_duration_seconds",
			Help:    "Backfill run duration in seconds",
			Buckets: []float64{0.1, 1, 10, 60, 300, 1800},
		}),

		Migrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiongraph_migrations_total",
			Help: "Migration steps by outcome",
		}, []string{"status"}), // status: applied, skipped
	}
}

func (m *Metrics) NodeWrite(op string) {
	if m == nil {
		return
	}
	m.NodeWrites.WithLabelValues(op).Inc()
}

func (m *Metrics) EdgeWrite(edgeType string) {
	if m == nil {
		return
	}
	m.EdgeWrites.WithLabelValues(edgeType).Inc()
}

func (m *Metrics) Search(method string, degraded bool, took time.Duration) {
	if m == nil {
		return
	}
	m.Searches.WithLabelValues(method).Inc()
	m.SearchLatency.Observe(took.Seconds())
	if degraded {
		m.SearchDegraded.Inc()
	}
}

func (m *Metrics) Backfill(stored, failed int, took time.Duration) {
	if m == nil {
		return
	}
	m.EmbeddingsStored.Add(float64(stored))
	m.BackfillFailures.Add(float64(failed))
	m.BackfillLatency.Observe(took.Seconds())
}

func (m *Metrics) Migration(status string) {
	if m == nil {
		return
	}
	m.Migrations.WithLabelValues(status).Inc()
}
