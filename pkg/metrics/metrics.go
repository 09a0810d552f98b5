package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Sync cycle metrics
	CyclesTotal   *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	PendingEntries prometheus.Gauge

	// Outbox push metrics
	EntriesSent   prometheus.Counter
	SendFailures  prometheus.Counter
	SendLatency   prometheus.Histogram
	EntriesRequeued prometheus.Counter

	// Delta pull metrics
	PullsTotal     *prometheus.CounterVec
	RecordsApplied prometheus.Counter
	PullLatency    prometheus.Histogram
	ConflictsTotal *prometheus.CounterVec

	// Maintenance metrics
	EntriesPurged prometheus.Counter
}

// NewMetrics creates and registers all application metrics with the
// default registry.
func NewMetrics(namespace, subsystem string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace, subsystem)
}

// Nop returns metrics that are not registered anywhere, for components
// constructed without a registry.
func Nop() *Metrics {
	return NewMetricsWith(nil, "", "")
}

// NewMetricsWith registers the metrics with an explicit registerer.
func NewMetricsWith(reg prometheus.Registerer, namespace, subsystem string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycles_total",
			Help:      "Total number of sync cycles by result",
		}, []string{"result"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent running a full sync cycle",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		PendingEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_entries",
			Help:      "Current number of pending outbox entries",
		}),

		EntriesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries_sent_total",
			Help:      "Total number of outbox entries confirmed by the remote",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_failures_total",
			Help:      "Total number of outbox entries that failed to send",
		}),
		SendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_duration_seconds",
			Help:      "Time spent sending a single outbox entry",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		EntriesRequeued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries_requeued_total",
			Help:      "Total number of errored entries requeued by backoff",
		}),

		PullsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pulls_total",
			Help:      "Total number of delta pulls by scope and status",
		}, []string{"scope", "status"}),
		RecordsApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_applied_total",
			Help:      "Total number of remote change records merged locally",
		}),
		PullLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pull_duration_seconds",
			Help:      "Time spent pulling and applying one scope",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "conflicts_total",
			Help:      "Total number of merge conflicts by resolution",
		}, []string{"resolution"}),

		EntriesPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries_purged_total",
			Help:      "Total number of sent entries removed by retention",
		}),
	}
}
