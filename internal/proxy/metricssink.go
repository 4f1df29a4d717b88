package proxy

import "time"

// MetricsSink is the write-only observability boundary the dispatcher
// emits to (spec §4.8). It must never block the caller;
// implementations backed by a real exporter should buffer or use
// non-blocking primitives (prometheus/client_golang's vector types already
// satisfy this).
type MetricsSink interface {
	ObserveRequest(method, status, backendID string, duration time.Duration, reqBytes, respBytes int64)
	ObserveBackendOutcome(backendID string, success bool)
	SetActiveConnections(backendID string, n int64)
	SetGlobalActiveConnections(n int64)
	SetBackendHealth(backendID string, healthy bool)
	SetCircuitState(backendID string, state CircuitState)
	IncCircuitFailure(backendID string)
	SetBackendCounts(healthy, total int)
}

// NoopMetricsSink discards every observation. Used where a caller has not
// wired a real sink (tests, standalone package users).
type NoopMetricsSink struct{}

func (NoopMetricsSink) ObserveRequest(string, string, string, time.Duration, int64, int64) {}
func (NoopMetricsSink) ObserveBackendOutcome(string, bool)                                 {}
func (NoopMetricsSink) SetActiveConnections(string, int64)                                 {}
func (NoopMetricsSink) SetGlobalActiveConnections(int64)                                   {}
func (NoopMetricsSink) SetBackendHealth(string, bool)                                      {}
func (NoopMetricsSink) SetCircuitState(string, CircuitState)                               {}
func (NoopMetricsSink) IncCircuitFailure(string)                                           {}
func (NoopMetricsSink) SetBackendCounts(int, int)                                          {}
