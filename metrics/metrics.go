// Package metrics exposes Prometheus counters for reconciliation cycles and
// logbook fetches.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for the reconciliation engine. Each instance
// owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Cycle outcomes by mode and outcome label
	CycleOutcome *prometheus.CounterVec

	// Full cycle duration by mode
	CycleLatency *prometheus.HistogramVec

	// Per-variant fetch results by variant and status
	FetchVariant *prometheus.CounterVec

	// Records parsed in the last cycle, by mode
	RecordsParsed *prometheus.GaugeVec

	// Queue entries removed because the contact was logged
	EntriesRemoved *prometheus.CounterVec

	// Unix time of the last cycle that reached the upstream, by mode
	LastSuccess *prometheus.GaugeVec

	// 1 while the loop for a mode is running
	LoopRunning *prometheus.GaugeVec
}

// New creates a Metrics instance with all engine metrics registered on a
// fresh registry that also carries the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CycleOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pucs_reconcile_cycles_total",
			Help: "Reconciliation cycles by mode and outcome",
		}, []string{"mode", "outcome"}),

		CycleLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pucs_reconcile_cycle_duration_seconds",
			Help:    "Duration of a full reconciliation cycle including the logbook fetch",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"mode"}),

		FetchVariant: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pucs_qrz_fetch_variants_total",
			Help: "Logbook fetch requests by variant and status",
		}, []string{"variant", "status"}),

		RecordsParsed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pucs_adif_records_parsed",
			Help: "Valid records parsed from the most recent fetch",
		}, []string{"mode"}),

		EntriesRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pucs_queue_entries_removed_total",
			Help: "Queue entries removed after the contact appeared in the logbook",
		}, []string{"mode"}),

		LastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pucs_reconcile_last_fetch_timestamp_seconds",
			Help: "Unix time of the last cycle that fetched the logbook successfully",
		}, []string{"mode"}),

		LoopRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pucs_loop_running",
			Help: "1 while the reconciliation loop for a mode is running",
		}, []string{"mode"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(mode, outcome string, d time.Duration) {
	if m != nil {
		m.CycleOutcome.WithLabelValues(mode, outcome).Inc()
		m.CycleLatency.WithLabelValues(mode).Observe(d.Seconds())
	}
}

// ObserveVariant records one fetch request.
func (m *Metrics) ObserveVariant(variant, status string) {
	if m != nil {
		m.FetchVariant.WithLabelValues(variant, status).Inc()
	}
}

// SetRecordsParsed stores the record count of the latest fetch.
func (m *Metrics) SetRecordsParsed(mode string, n int) {
	if m != nil {
		m.RecordsParsed.WithLabelValues(mode).Set(float64(n))
	}
}

// IncrementRemoved counts one auto-removed queue entry.
func (m *Metrics) IncrementRemoved(mode string) {
	if m != nil {
		m.EntriesRemoved.WithLabelValues(mode).Inc()
	}
}

// MarkFetchSuccess stamps the last successful fetch time.
func (m *Metrics) MarkFetchSuccess(mode string, at time.Time) {
	if m != nil {
		m.LastSuccess.WithLabelValues(mode).Set(float64(at.Unix()))
	}
}

// SetLoopRunning flips the running gauge for a loop.
func (m *Metrics) SetLoopRunning(mode string, running bool) {
	if m != nil {
		v := 0.0
		if running {
			v = 1
		}
		m.LoopRunning.WithLabelValues(mode).Set(v)
	}
}
