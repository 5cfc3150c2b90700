// Package metrics exposes Prometheus instrumentation for the
// intelligence pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeBusy  = "busy"
)

// Metrics holds all Prometheus collectors on a dedicated registry so
// tests and embedded deployments never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	// EventsIngested counts recorded events.
	EventsIngested prometheus.Counter

	// EmbedFailures counts embedder calls that fell back to a
	// zero-filled semantic segment.
	EmbedFailures prometheus.Counter

	// Assessments counts risk assessments by contextual signal.
	Assessments *prometheus.CounterVec

	// RefreshTotal counts refresh attempts by outcome.
	RefreshTotal *prometheus.CounterVec

	// RefreshDuration observes wall time of completed refreshes.
	RefreshDuration prometheus.Histogram

	// ActiveClusters and EmergingClusters track the current snapshot.
	ActiveClusters   prometheus.Gauge
	EmergingClusters prometheus.Gauge

	// AlertsFired counts alert rules that matched a refreshed cluster.
	AlertsFired prometheus.Counter
}

// New creates the collector set and registers it together with the
// standard process and Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harrier", Subsystem: "events", Name: "ingested_total",
			Help: "Total threat events recorded.",
		}),
		EmbedFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harrier", Subsystem: "events", Name: "embed_failures_total",
			Help: "Total embedder failures degraded to zero-filled vectors.",
		}),
		Assessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harrier", Subsystem: "intel", Name: "assessments_total",
			Help: "Total risk assessments by contextual signal.",
		}, []string{"signal"}),
		RefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harrier", Subsystem: "intel", Name: "refresh_total",
			Help: "Total cluster refresh attempts by outcome.",
		}, []string{"outcome"}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "harrier", Subsystem: "intel", Name: "refresh_duration_seconds",
			Help:    "Wall time of completed cluster refreshes.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		ActiveClusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harrier", Subsystem: "clusters", Name: "active",
			Help: "Active clusters in the current snapshot.",
		}),
		EmergingClusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harrier", Subsystem: "clusters", Name: "emerging",
			Help: "Emerging clusters in the current snapshot.",
		}),
		AlertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harrier", Subsystem: "alerts", Name: "fired_total",
			Help: "Total cluster alerts fired.",
		}),
	}

	m.registry.MustRegister(
		m.EventsIngested,
		m.EmbedFailures,
		m.Assessments,
		m.RefreshTotal,
		m.RefreshDuration,
		m.ActiveClusters,
		m.EmergingClusters,
		m.AlertsFired,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)

	return m
}

// ObserveRefresh records one refresh attempt. Duration is only
// observed for completed refreshes.
func (m *Metrics) ObserveRefresh(outcome string, elapsed time.Duration) {
	m.RefreshTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		m.RefreshDuration.Observe(elapsed.Seconds())
	}
}

// SetClusterCounts updates the snapshot gauges after a refresh.
func (m *Metrics) SetClusterCounts(active, emerging int) {
	m.ActiveClusters.Set(float64(active))
	m.EmergingClusters.Set(float64(emerging))
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
