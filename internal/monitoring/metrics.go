// Package monitoring holds the Prometheus collectors for the editor core.
//
// A nil *Metrics is valid and records nothing, so packages can take metrics
// as an optional dependency.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// History metrics
	HistoryEvents *prometheus.CounterVec

	// Component registry metrics
	ComponentFetches *prometheus.CounterVec
	ComponentsCached prometheus.Gauge

	// Inheritance metrics
	SyncRuns       *prometheus.CounterVec
	SyncDuration   *prometheus.HistogramVec
	SyncInsertions prometheus.Counter

	// Session metrics
	CanvasesOpen prometheus.Gauge
	Saves        *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates the collectors on reg. A nil reg uses a private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		HistoryEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "builder_history_events_total",
				Help: "History commits, undos and redos",
			},
			[]string{"event"},
		),

		ComponentFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "builder_component_fetches_total",
				Help: "Component template lookups by outcome",
			},
			[]string{"result"},
		),
		ComponentsCached: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "builder_components_cached",
				Help: "Number of component templates in the registry cache",
			},
		),

		SyncRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "builder_component_sync_runs_total",
				Help: "Component sync runs by scope and status",
			},
			[]string{"scope", "status"},
		),
		SyncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "builder_component_sync_duration_seconds",
				Help:    "Component sync duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"scope"},
		),
		SyncInsertions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "builder_component_sync_insertions_total",
				Help: "Blocks inserted into instances by component sync",
			},
		),

		CanvasesOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "builder_canvases_open",
				Help: "Number of open editing sessions",
			},
		),
		Saves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "builder_page_saves_total",
				Help: "Page saves by trigger and status",
			},
			[]string{"trigger", "status"},
		),
	}
}

// RecordHistory records a history event (commit, undo, redo).
func (m *Metrics) RecordHistory(event string) {
	if m == nil {
		return
	}
	m.HistoryEvents.WithLabelValues(event).Inc()
}

// RecordFetch records a registry lookup outcome.
func (m *Metrics) RecordFetch(result string) {
	if m == nil {
		return
	}
	m.ComponentFetches.WithLabelValues(result).Inc()
}

// SetComponentsCached sets the registry cache size
func (m *Metrics) SetComponentsCached(n int) {
	if m == nil {
		return
	}
	m.ComponentsCached.Set(float64(n))
}

// RecordSync records one sync run.
func (m *Metrics) RecordSync(scope, status string, duration time.Duration, inserted int) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(scope, status).Inc()
	m.SyncDuration.WithLabelValues(scope).Observe(duration.Seconds())
	m.SyncInsertions.Add(float64(inserted))
}

// SetCanvasesOpen sets the number of open sessions
func (m *Metrics) SetCanvasesOpen(n int) {
	if m == nil {
		return
	}
	m.CanvasesOpen.Set(float64(n))
}

// RecordSave records a page save.
func (m *Metrics) RecordSave(trigger, status string) {
	if m == nil {
		return
	}
	m.Saves.WithLabelValues(trigger, status).Inc()
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
