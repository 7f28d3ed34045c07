// Package metrics exposes Prometheus instrumentation for the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dukantech/shopsync/internal/models"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	opsProcessed  *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	syncRuns      prometheus.Counter
	syncDuration  prometheus.Histogram
	eventsDropped prometheus.Counter
}

// New registers the engine collectors with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		opsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopsync",
			Name:      "operations_processed_total",
			Help:      "Operations processed by the dispatcher, by outcome.",
		}, []string{"outcome"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shopsync",
			Name:      "queue_depth",
			Help:      "Queue depth by tenant and status.",
		}, []string{"owner", "status"}),
		syncRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "shopsync",
			Name:      "sync_runs_total",
			Help:      "Completed sync runs.",
		}),
		syncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shopsync",
			Name:      "sync_run_duration_seconds",
			Help:      "Wall time of one sync run.",
			Buckets:   prometheus.DefBuckets,
		}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "shopsync",
			Name:      "events_dropped_total",
			Help:      "Status events dropped under the drop-oldest overflow policy.",
		}),
	}
}

// IncOutcome counts one processed operation.
func (m *Metrics) IncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.opsProcessed.WithLabelValues(outcome).Inc()
}

// ObserveRun records one completed sync run.
func (m *Metrics) ObserveRun(d time.Duration) {
	if m == nil {
		return
	}
	m.syncRuns.Inc()
	m.syncDuration.Observe(d.Seconds())
}

// ObserveCounts updates queue depth gauges from a tenant snapshot.
func (m *Metrics) ObserveCounts(owner string, counts *models.QueueCounts) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(owner, "pending").Set(float64(counts.Pending))
	m.queueDepth.WithLabelValues(owner, "in_progress").Set(float64(counts.InProgress))
	m.queueDepth.WithLabelValues(owner, "retry").Set(float64(counts.Retry))
	m.queueDepth.WithLabelValues(owner, "failed").Set(float64(counts.Failed))
	m.queueDepth.WithLabelValues(owner, "dead_letter").Set(float64(counts.DeadLetter))
	m.queueDepth.WithLabelValues(owner, "conflicts").Set(float64(counts.Conflicts))
}

// IncEventsDropped records one event lost to subscriber overflow.
func (m *Metrics) IncEventsDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
