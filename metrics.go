package ecsviewer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dashboard's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	snapshotsProcessed prometheus.Counter
	snapshotsDropped   prometheus.Counter
	unresolved         prometheus.Counter
	nextFallbacks      prometheus.Counter
	boundsResets       prometheus.Counter
	signals            *prometheus.CounterVec
	processDuration    prometheus.Histogram
	series             *prometheus.GaugeVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		snapshotsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ecsviewer",
			Name:      "snapshots_processed_total",
			Help:      "Snapshots accepted and published.",
		}),
		snapshotsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ecsviewer",
			Name:      "snapshots_dropped_total",
			Help:      "Malformed snapshots dropped.",
		}),
		unresolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ecsviewer",
			Name:      "unresolved_relations_total",
			Help:      "Query keys or component names referenced but absent from their snapshot.",
		}),
		nextFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ecsviewer",
			Name:      "next_system_fallbacks_total",
			Help:      "Snapshots whose last executed system was not found.",
		}),
		boundsResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ecsviewer",
			Name:      "buffer_bounds_resets_total",
			Help:      "Rolling buffer bounds recomputed after going stale.",
		}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecsviewer",
			Name:      "highlight_signals_total",
			Help:      "Highlight signals by kind and outcome.",
		}, []string{"signal", "outcome"}),
		processDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ecsviewer",
			Name:      "snapshot_process_seconds",
			Help:      "Time spent processing one snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		series: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ecsviewer",
			Name:      "tracked_series",
			Help:      "Rolling series currently tracked per panel group.",
		}, []string{"group"}),
	}
}

func (m *Metrics) snapshotProcessed(d time.Duration) {
	if m == nil {
		return
	}
	m.snapshotsProcessed.Inc()
	m.processDuration.Observe(d.Seconds())
}

func (m *Metrics) snapshotDropped() {
	if m == nil {
		return
	}
	m.snapshotsDropped.Inc()
}

func (m *Metrics) unresolvedRelations(n int) {
	if m == nil || n == 0 {
		return
	}
	m.unresolved.Add(float64(n))
}

func (m *Metrics) nextSystemFallback() {
	if m == nil {
		return
	}
	m.nextFallbacks.Inc()
}

func (m *Metrics) boundsReset() {
	if m == nil {
		return
	}
	m.boundsResets.Inc()
}

func (m *Metrics) signalApplied(kind SignalKind) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(string(kind), "applied").Inc()
}

func (m *Metrics) signalIgnored(kind SignalKind) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(string(kind), "ignored").Inc()
}

func (m *Metrics) trackedSeries(group PanelGroup, n int) {
	if m == nil {
		return
	}
	m.series.WithLabelValues(string(group)).Set(float64(n))
}
