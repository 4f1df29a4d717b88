package metrics

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgemesh/fleetlb/internal/proxy"
)

func TestObserveRequestIncrementsCounters(t *testing.T) {
	m := New()
	m.ObserveRequest("GET", "200", "b1", 15*time.Millisecond, 128, 512)

	if got := testutilToFloat(t, m, "fleetlb_requests_total", map[string]string{"method": "GET", "status": "200", "backend": "b1"}); got != 1 {
		t.Errorf("requests_total = %v, want 1", got)
	}
}

func TestObserveBackendOutcomeLabelsSuccessAndFailure(t *testing.T) {
	m := New()
	m.ObserveBackendOutcome("b1", true)
	m.ObserveBackendOutcome("b1", false)
	m.ObserveBackendOutcome("b1", false)

	body := scrape(t, m)
	if !strings.Contains(body, `fleetlb_backend_requests_total{backend="b1",outcome="success"} 1`) {
		t.Errorf("missing success counter in scrape:\n%s", body)
	}
	if !strings.Contains(body, `fleetlb_backend_requests_total{backend="b1",outcome="failure"} 2`) {
		t.Errorf("missing failure counter in scrape:\n%s", body)
	}
}

func TestSetCircuitStateUsesGaugeValue(t *testing.T) {
	m := New()
	m.SetCircuitState("b1", proxy.CircuitOpen)

	body := scrape(t, m)
	if !strings.Contains(body, `fleetlb_circuit_breaker_state{backend="b1"} 1`) {
		t.Errorf("expected circuit_breaker_state=1 for open, got:\n%s", body)
	}
}

func TestSetBackendCountsSetsBothGauges(t *testing.T) {
	m := New()
	m.SetBackendCounts(2, 3)

	body := scrape(t, m)
	if !strings.Contains(body, "fleetlb_backends_healthy 2") {
		t.Errorf("expected backends_healthy=2, got:\n%s", body)
	}
	if !strings.Contains(body, "fleetlb_backends_total 3") {
		t.Errorf("expected backends_total=3, got:\n%s", body)
	}
}

func TestSetGlobalActiveConnectionsIsDistinctFromPerBackendGauge(t *testing.T) {
	m := New()
	m.SetActiveConnections("b1", 3)
	m.SetGlobalActiveConnections(7)

	body := scrape(t, m)
	if !strings.Contains(body, `fleetlb_backend_active_connections{backend="b1"} 3`) {
		t.Errorf("expected per-backend active_connections=3, got:\n%s", body)
	}
	if !strings.Contains(body, "fleetlb_active_connections 7") {
		t.Errorf("expected process-wide active_connections=7, got:\n%s", body)
	}
}

func TestMetricsImplementsProxyMetricsSink(t *testing.T) {
	var _ proxy.MetricsSink = New()
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}).ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("scrape status = %d, want 200", rec.Code)
	}
	return rec.Body.String()
}

func testutilToFloat(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	body := scrape(t, m)
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, name+"{") {
			allMatch := true
			for k, v := range labels {
				if !strings.Contains(line, k+`="`+v+`"`) {
					allMatch = false
					break
				}
			}
			if allMatch {
				fields := strings.Fields(line)
				if len(fields) != 2 {
					continue
				}
				var f float64
				if _, err := fmt.Sscan(fields[1], &f); err != nil {
					t.Fatalf("parsing metric value %q: %v", fields[1], err)
				}
				return f
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found in scrape:\n%s", name, labels, body)
	return 0
}
