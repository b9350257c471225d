package sift

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcome labels.
const (
	OutcomeForwarded = "forwarded"
	OutcomeBlocked   = "blocked"
	OutcomeTunnel    = "tunnel"
	OutcomeError     = "error"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	forwardDuration  *prometheus.HistogramVec
	activeTunnels    prometheus.Gauge
	tunnelBytes      prometheus.Counter
	bindFailures     prometheus.Counter
	stateTransitions *prometheus.CounterVec
	requestLogSize   prometheus.Gauge
	listReloads      prometheus.Counter
	listReloadErrs   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sift",
			Name:      "requests_total",
			Help:      "Total number of requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),

		forwardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sift",
			Name:      "forward_duration_seconds",
			Help:      "Duration of forwarded requests in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sift",
			Name:      "active_tunnels",
			Help:      "Number of open CONNECT tunnels.",
		}),

		tunnelBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sift",
			Name:      "tunnel_bytes_total",
			Help:      "Total bytes copied through CONNECT tunnels.",
		}),

		bindFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sift",
			Name:      "bind_failures_total",
			Help:      "Number of run cycles that failed to bind the listener.",
		}),

		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sift",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions applied.",
		}, []string{"state"}),

		requestLogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sift",
			Name:      "request_log_entries",
			Help:      "Number of entries held in the in-memory request log.",
		}),

		listReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sift",
			Name:      "exclusion_reloads_total",
			Help:      "Number of successful exclusion list reloads.",
		}),

		listReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sift",
			Name:      "exclusion_reload_errors_total",
			Help:      "Number of failed exclusion list reloads.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.forwardDuration,
		m.activeTunnels,
		m.tunnelBytes,
		m.bindFailures,
		m.stateTransitions,
		m.requestLogSize,
		m.listReloads,
		m.listReloadErrs,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a handled request by method and outcome.
func (m *Metrics) RecordRequest(method, outcome string) {
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
}

// RecordForwardDuration records the duration of a forwarded request.
func (m *Metrics) RecordForwardDuration(method string, statusCode int, duration time.Duration) {
	m.forwardDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// TunnelOpened increments the active tunnel gauge.
func (m *Metrics) TunnelOpened() {
	m.activeTunnels.Inc()
}

// TunnelClosed decrements the active tunnel gauge and adds the bytes
// copied through the tunnel in both directions.
func (m *Metrics) TunnelClosed(bytes int64) {
	m.activeTunnels.Dec()
	if bytes > 0 {
		m.tunnelBytes.Add(float64(bytes))
	}
}

// RecordBindFailure records a run cycle that could not bind its listener.
func (m *Metrics) RecordBindFailure() {
	m.bindFailures.Inc()
}

// RecordStateTransition records a lifecycle state transition.
func (m *Metrics) RecordStateTransition(state ProxyState) {
	m.stateTransitions.WithLabelValues(state.String()).Inc()
}

// SetRequestLogSize sets the request log size gauge.
func (m *Metrics) SetRequestLogSize(size int) {
	m.requestLogSize.Set(float64(size))
}

// RecordListReload records a successful exclusion list reload.
func (m *Metrics) RecordListReload() {
	m.listReloads.Inc()
}

// RecordListReloadError records a failed exclusion list reload.
func (m *Metrics) RecordListReloadError() {
	m.listReloadErrs.Inc()
}
