// Package observability exposes Prometheus metrics for the filter
// pipeline: sample intake, publish decisions, silence injection, and
// drop reasons.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Publish reasons recorded on publishes_total.
const (
	ReasonAccepted  = "accepted"
	ReasonForced    = "forced"
	ReasonConverged = "converged"
)

// Drop reasons recorded on dropped_samples_total.
const (
	ReasonNonFinite       = "non_finite"
	ReasonClockRegression = "clock_regression"
)

// Metrics holds the collectors for one daemon instance. All methods
// are nil-safe so callers can run with metrics disabled.
type Metrics struct {
	reg prometheus.Registerer

	samplesTotal    *prometheus.CounterVec
	publishesTotal  *prometheus.CounterVec
	suppressedTotal *prometheus.CounterVec
	syntheticTotal  *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	silentSensors   prometheus.Gauge
	activeSensors   prometheus.Gauge
	checkpointErrs  prometheus.Counter
}

// NewMetrics creates and registers the collectors. Pass a dedicated
// registry in tests; pass prometheus.DefaultRegisterer in the daemon.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		reg: reg,
		samplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lowpassd_samples_total",
			Help: "Total raw samples received per sensor.",
		}, []string{"sensor"}),
		publishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lowpassd_publishes_total",
			Help: "Total filtered values published per sensor and reason.",
		}, []string{"sensor", "reason"}),
		suppressedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lowpassd_suppressed_total",
			Help: "Total filter updates suppressed by the deadband gate or rate limiter.",
		}, []string{"sensor"}),
		syntheticTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lowpassd_synthetic_ticks_total",
			Help: "Total synthetic samples injected during source silence.",
		}, []string{"sensor"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lowpassd_dropped_samples_total",
			Help: "Total samples rejected before filtering, by reason.",
		}, []string{"sensor", "reason"}),
		silentSensors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lowpassd_silent_sensors",
			Help: "Number of sensors currently in silent mode.",
		}),
		activeSensors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lowpassd_sensors",
			Help: "Number of sensors with an attached filter.",
		}),
		checkpointErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lowpassd_checkpoint_errors_total",
			Help: "Total checkpoint save/load failures.",
		}),
	}

	reg.MustRegister(
		m.samplesTotal,
		m.publishesTotal,
		m.suppressedTotal,
		m.syntheticTotal,
		m.droppedTotal,
		m.silentSensors,
		m.activeSensors,
		m.checkpointErrs,
	)

	return m
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m != nil {
		if g, ok := m.reg.(prometheus.Gatherer); ok {
			return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
		}
	}
	return promhttp.Handler()
}

func (m *Metrics) SampleReceived(sensor string) {
	if m == nil {
		return
	}
	m.samplesTotal.WithLabelValues(sensor).Inc()
}

func (m *Metrics) Published(sensor, reason string) {
	if m == nil {
		return
	}
	m.publishesTotal.WithLabelValues(sensor, reason).Inc()
}

func (m *Metrics) Suppressed(sensor string) {
	if m == nil {
		return
	}
	m.suppressedTotal.WithLabelValues(sensor).Inc()
}

func (m *Metrics) SyntheticTick(sensor string) {
	if m == nil {
		return
	}
	m.syntheticTotal.WithLabelValues(sensor).Inc()
}

func (m *Metrics) SampleDropped(sensor, reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(sensor, reason).Inc()
}

func (m *Metrics) SetSilentSensors(n int) {
	if m == nil {
		return
	}
	m.silentSensors.Set(float64(n))
}

func (m *Metrics) SetSensorCount(n int) {
	if m == nil {
		return
	}
	m.activeSensors.Set(float64(n))
}

func (m *Metrics) CheckpointError() {
	if m == nil {
		return
	}
	m.checkpointErrs.Inc()
}
