package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testDispatcher(pool *BackendPool, lb LoadBalancer, cbCfg CircuitBreakerConfig, retryCfg RetryConfig) *Dispatcher {
	breakers := NewCircuitBreakerManager(cbCfg)
	retry := NewRetryStrategy(retryCfg)
	cfg := DispatcherConfig{UpstreamTimeout: time.Second, MaxBodyBytes: 1 << 20}
	return NewDispatcher(pool, lb, breakers, retry, cfg, NoopMetricsSink{}, zerolog.Nop())
}

// backendFromServer adds a backend for srv to pool and marks it healthy.
// The health update comes after Add because Add seeds the backend Unknown.
func backendFromServer(t *testing.T, pool *BackendPool, srv *httptest.Server) *Backend {
	t.Helper()
	b, err := NewBackend(BackendConfig{URL: srv.URL, Weight: 1, MaxConnections: 100})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	pool.Add(b)
	b.ObserveProbe(true)
	b.ApplyHealthThresholds(1, 1)
	return b
}

// TestDispatcherRoundRobinDistribution mirrors scenario S1: three healthy
// backends under round_robin, 9 sequential requests land B1,B2,B3 repeated,
// where B1,B2,B3 is the order of the pool's healthy view (built from the
// backend map, so not necessarily the order the backends were added).
func TestDispatcherRoundRobinDistribution(t *testing.T) {
	var servers []*httptest.Server
	pool := NewBackendPool()
	for i := 0; i < 3; i++ {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()
		servers = append(servers, srv)
		backendFromServer(t, pool, srv)
	}
	pool.RebuildHealthyView()

	view := pool.Healthy()
	if len(view) != 3 {
		t.Fatalf("healthy view has %d backends, want 3", len(view))
	}
	ids := []string{view[0].ID, view[1].ID, view[2].ID}

	d := testDispatcher(pool, NewLoadBalancer(AlgorithmRoundRobin), DefaultCircuitBreakerConfig(), DefaultRetryConfig())

	var got []string
	for i := 0; i < 9; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		rec := httptest.NewRecorder()
		d.ServeHTTP(rec, req)
		got = append(got, rec.Header().Get("X-Backend-Id"))
	}

	want := []string{ids[0], ids[1], ids[2], ids[0], ids[1], ids[2], ids[0], ids[1], ids[2]}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("request %d backend = %s, want %s (full sequence %v)", i, got[i], want[i], got)
		}
	}
}

// TestDispatcherCircuitOpensAndRecovers mirrors scenario S3.
func TestDispatcherCircuitOpensAndRecovers(t *testing.T) {
	var failing int32 = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&failing) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := NewBackendPool()
	backendFromServer(t, pool, srv)
	pool.RebuildHealthyView()

	cbCfg := CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 60 * time.Millisecond}
	d := testDispatcher(pool, NewLoadBalancer(AlgorithmRoundRobin), cbCfg, RetryConfig{MaxAttempts: 1, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		rec := httptest.NewRecorder()
		d.ServeHTTP(rec, req)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("request %d: status = %d, want 500 from the failing backend", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("4th request: status = %d, want 503 (breaker should be open)", rec.Code)
	}

	atomic.StoreInt32(&failing, 0)
	time.Sleep(80 * time.Millisecond)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		rec := httptest.NewRecorder()
		d.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("recovery request %d: status = %d, want 200", i, rec.Code)
		}
	}
}

// TestDispatcherRetriesTransientFailure mirrors scenario S5.
func TestDispatcherRetriesTransientFailure(t *testing.T) {
	attempt := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempt, 1)
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := NewBackendPool()
	b := backendFromServer(t, pool, srv)
	pool.RebuildHealthyView()

	d := testDispatcher(pool, NewLoadBalancer(AlgorithmRoundRobin), DefaultCircuitBreakerConfig(),
		RetryConfig{MaxAttempts: 3, BackoffBase: 10 * time.Millisecond, BackoffMax: 100 * time.Millisecond})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retry", rec.Code)
	}
	if b.TotalRequests() != 2 {
		t.Fatalf("TotalRequests() = %d, want 2", b.TotalRequests())
	}
	if b.FailedRequests() != 1 {
		t.Fatalf("FailedRequests() = %d, want 1", b.FailedRequests())
	}
}

// TestDispatcherInvalidURIIsNotRetried mirrors scenario S6: a malformed
// upstream URI surfaces 400 with x-error, op invoked at most once.
func TestDispatcherInvalidURIIsNotRetried(t *testing.T) {
	pool := NewBackendPool()
	b := &Backend{
		ID:             "bad:0",
		URL:            &url.URL{Scheme: "http", Host: "exa mple.invalid"},
		Weight:         1,
		MaxConnections: 5,
	}
	pool.Add(b)
	b.ObserveProbe(true)
	b.ApplyHealthThresholds(1, 1)
	pool.RebuildHealthyView()

	d := testDispatcher(pool, NewLoadBalancer(AlgorithmRoundRobin), DefaultCircuitBreakerConfig(),
		RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if rec.Header().Get("X-Error") == "" {
		t.Fatal("missing X-Error header on error response")
	}
	if b.TotalRequests() != 0 {
		t.Fatalf("TotalRequests() = %d, want 0 (a build error must not count against the backend)", b.TotalRequests())
	}
}

func TestDispatcherNoHealthyBackendsIs503(t *testing.T) {
	pool := NewBackendPool()
	d := testDispatcher(pool, NewLoadBalancer(AlgorithmRoundRobin), DefaultCircuitBreakerConfig(), DefaultRetryConfig())

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
