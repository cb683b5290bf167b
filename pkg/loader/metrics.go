package loader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/orneryd/deltagraph/pkg/delta"
	"github.com/orneryd/deltagraph/pkg/graph"
)

// Metrics are the prometheus collectors updated by loads.
type Metrics struct {
	Records      *prometheus.CounterVec
	StoreRetries prometheus.Counter
	LoadDuration *prometheus.HistogramVec
}

// NewMetrics registers the loader collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deltagraph_records_total",
			Help: "Records processed by delta loads, by kind and action.",
		}, []string{"namespace", "kind", "action"}),
		StoreRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "deltagraph_store_retries_total",
			Help: "Store calls retried after a transient failure.",
		}),
		LoadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deltagraph_load_duration_seconds",
			Help:    "Wall time of successful delta loads.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"namespace"}),
	}
}

func (m *Metrics) record(namespace string, kind graph.Kind, action delta.Action, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.Records.WithLabelValues(namespace, kind.String(), action.String()).Add(float64(n))
}

func (m *Metrics) observeCounts(namespace string, kind graph.Kind, c delta.Counts) {
	m.record(namespace, kind, delta.Add, c.Added)
	m.record(namespace, kind, delta.Keep, c.Kept)
	m.record(namespace, kind, delta.Replace, c.Replaced)
	m.record(namespace, kind, delta.Remove, c.Removed)
}

func (m *Metrics) observeDuration(namespace string, seconds float64) {
	if m == nil {
		return
	}
	m.LoadDuration.WithLabelValues(namespace).Observe(seconds)
}
