package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgemesh/fleetlb/internal/proxy"
)

// Metrics is a prometheus/client_golang-backed implementation of
// proxy.MetricsSink (spec §4.8's observability contract). It owns its own
// registry so the binary can expose it on a dedicated endpoint separate
// from the proxy listener (spec §6).
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestBytes    *prometheus.HistogramVec
	responseBytes   *prometheus.HistogramVec

	backendOutcomes  *prometheus.CounterVec
	activeConns      *prometheus.GaugeVec
	backendHealth    *prometheus.GaugeVec
	circuitState     *prometheus.GaugeVec
	circuitFailures  *prometheus.CounterVec

	backendsHealthy   prometheus.Gauge
	backendsTotal     prometheus.Gauge
	globalActiveConns prometheus.Gauge
}

// New constructs a Metrics sink with every series named in spec §4.8,
// registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetlb",
			Name:      "requests_total",
			Help:      "Total proxied requests by method, status class, and backend.",
		}, []string{"method", "status", "backend"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleetlb",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status", "backend"}),
		requestBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleetlb",
			Name:      "request_bytes",
			Help:      "Request body size.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"method"}),
		responseBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleetlb",
			Name:      "response_bytes",
			Help:      "Response body size.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"method"}),
		backendOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetlb",
			Name:      "backend_requests_total",
			Help:      "Backend requests by outcome.",
		}, []string{"backend", "outcome"}),
		activeConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetlb",
			Name:      "backend_active_connections",
			Help:      "Currently admitted connections per backend.",
		}, []string{"backend"}),
		backendHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetlb",
			Name:      "backend_healthy",
			Help:      "1 if the backend is currently healthy, else 0.",
		}, []string{"backend"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetlb",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0=closed, 1=open, 2=half-open.",
		}, []string{"backend"}),
		circuitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetlb",
			Name:      "circuit_breaker_failures_total",
			Help:      "Total failures recorded by the circuit breaker.",
		}, []string{"backend"}),
		backendsHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetlb",
			Name:      "backends_healthy",
			Help:      "Number of backends currently in the healthy view.",
		}),
		backendsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetlb",
			Name:      "backends_total",
			Help:      "Number of configured backends.",
		}),
		globalActiveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetlb",
			Name:      "active_connections",
			Help:      "Inbound requests currently being handled, across all backends.",
		}),
	}

	reg.MustRegister(
		m.requestsTotal, m.requestDuration, m.requestBytes, m.responseBytes,
		m.backendOutcomes, m.activeConns, m.backendHealth,
		m.circuitState, m.circuitFailures, m.backendsHealthy, m.backendsTotal,
		m.globalActiveConns,
	)
	return m
}

// Registry exposes the underlying prometheus.Registry for wiring into
// promhttp.HandlerFor on the admin/metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveRequest(method, status, backendID string, duration time.Duration, reqBytes, respBytes int64) {
	m.requestsTotal.WithLabelValues(method, status, backendID).Inc()
	m.requestDuration.WithLabelValues(method, status, backendID).Observe(duration.Seconds())
	m.requestBytes.WithLabelValues(method).Observe(float64(reqBytes))
	m.responseBytes.WithLabelValues(method).Observe(float64(respBytes))
}

func (m *Metrics) ObserveBackendOutcome(backendID string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.backendOutcomes.WithLabelValues(backendID, outcome).Inc()
}

func (m *Metrics) SetActiveConnections(backendID string, n int64) {
	m.activeConns.WithLabelValues(backendID).Set(float64(n))
}

// SetGlobalActiveConnections reports the process-wide count of inbound
// requests currently in flight, distinct from the per-backend admission
// gauge above (original_source/src/metrics/collector.rs keeps these as two
// separate series: backend_connections_active vs. active_connections).
func (m *Metrics) SetGlobalActiveConnections(n int64) {
	m.globalActiveConns.Set(float64(n))
}

func (m *Metrics) SetBackendHealth(backendID string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.backendHealth.WithLabelValues(backendID).Set(v)
}

func (m *Metrics) SetCircuitState(backendID string, state proxy.CircuitState) {
	m.circuitState.WithLabelValues(backendID).Set(state.GaugeValue())
}

func (m *Metrics) IncCircuitFailure(backendID string) {
	m.circuitFailures.WithLabelValues(backendID).Inc()
}

func (m *Metrics) SetBackendCounts(healthy, total int) {
	m.backendsHealthy.Set(float64(healthy))
	m.backendsTotal.Set(float64(total))
}

var _ proxy.MetricsSink = (*Metrics)(nil)
