package service

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/recoll/internal/fork"
	"github.com/roach88/recoll/internal/ir"
)

const metricsNamespace = "recoll"

// Metrics holds the service collectors.
type Metrics struct {
	commits        prometheus.Counter
	aborts         *prometheus.CounterVec
	commitDuration *prometheus.HistogramVec
	changedKeys    prometheus.Histogram
	notifications  *prometheus.CounterVec
	subscriptions  prometheus.Gauge
	reaped         prometheus.Counter
	version        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		commits: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commits_total",
			Help:      "Commits published to main",
		}),
		aborts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "aborts_total",
			Help:      "Forks aborted by operation",
		}, []string{"op"}),
		commitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "commit_duration_seconds",
			Help:      "Time from fork to merge by operation",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),
		changedKeys: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "commit_changed_keys",
			Help:      "Keys changed across all collections per commit",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "Updates delivered to subscribers by kind",
		}, []string{"kind"}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "subscriptions",
			Help:      "Live subscriptions",
		}),
		reaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reaped_instances_total",
			Help:      "Idle resource instances closed by the reaper",
		}),
		version: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "main_version",
			Help:      "Version of main",
		}),
	}
}

func (m *Metrics) observeCommit(_ context.Context, c fork.Commit) error {
	m.commits.Inc()
	m.version.Set(float64(c.Version))
	n := 0
	for _, col := range c.Changes.Collections() {
		n += len(c.Changes.For(col))
	}
	m.changedKeys.Observe(float64(n))
	return nil
}

func (m *Metrics) observeNotify(_ string, u ir.CollectionUpdate) {
	kind := "delta"
	if u.IsInitial {
		kind = "initial"
	}
	m.notifications.WithLabelValues(kind).Inc()
}
