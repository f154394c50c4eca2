// Package metrics provides Prometheus metrics for the tracker agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	SessionsTotal     *prometheus.CounterVec
	TicksTotal        prometheus.Counter
	IdleEpisodesTotal *prometheus.CounterVec
	UploadsTotal      *prometheus.CounterVec
	QueuePending      prometheus.Gauge
	PermissionGranted *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_sessions_total",
				Help: "Total session transitions by event (started, stopped, rotated).",
			},
			[]string{"event"},
		),
		TicksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_ticks_total",
				Help: "Total one-second accrual ticks emitted while active.",
			},
		),
		IdleEpisodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_idle_episodes_total",
				Help: "Total resolved idle episodes by resolution (kept, discarded, forced_discard).",
			},
			[]string{"resolution"},
		),
		UploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_uploads_total",
				Help: "Total upload attempts by result (ok, exhausted).",
			},
			[]string{"result"},
		),
		QueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_upload_queue_pending",
				Help: "Number of evidence items awaiting upload.",
			},
		),
		PermissionGranted: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agent_permission_granted",
				Help: "Capability grant state by capability (1 granted, 0 missing).",
			},
			[]string{"capability"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_errors_total",
				Help: "Total errors by component and type.",
			},
			[]string{"component", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.SessionsTotal)
	reg.MustRegister(m.TicksTotal)
	reg.MustRegister(m.IdleEpisodesTotal)
	reg.MustRegister(m.UploadsTotal)
	reg.MustRegister(m.QueuePending)
	reg.MustRegister(m.PermissionGranted)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSession increments the session transition counter.
func (m *Metrics) RecordSession(event string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(event).Inc()
}

// RecordTick increments the tick counter.
func (m *Metrics) RecordTick() {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
}

// RecordIdleResolution increments the idle episode counter.
func (m *Metrics) RecordIdleResolution(resolution string) {
	if m == nil {
		return
	}
	m.IdleEpisodesTotal.WithLabelValues(resolution).Inc()
}

// RecordUpload increments the upload counter.
func (m *Metrics) RecordUpload(result string) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(result).Inc()
}

// SetQueuePending sets the pending upload gauge.
func (m *Metrics) SetQueuePending(n int) {
	if m == nil {
		return
	}
	m.QueuePending.Set(float64(n))
}

// SetPermission records a capability grant state.
func (m *Metrics) SetPermission(capability string, granted bool) {
	if m == nil {
		return
	}
	v := 0.0
	if granted {
		v = 1.0
	}
	m.PermissionGranted.WithLabelValues(capability).Set(v)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errType).Inc()
}
