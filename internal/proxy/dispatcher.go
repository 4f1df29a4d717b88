package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DispatcherConfig tunes the per-attempt upstream deadline and the body
// buffering cap used for retry replay (spec §4.6's "Retry-driven body
// buffering" design note).
type DispatcherConfig struct {
	UpstreamTimeout time.Duration
	MaxBodyBytes    int64
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		UpstreamTimeout: 10 * time.Second,
		MaxBodyBytes:    10 << 20,
	}
}

// Dispatcher composes the pool, load balancer, circuit breaker manager,
// and retry strategy to serve one client request end to end (spec §4.7).
type Dispatcher struct {
	pool     *BackendPool
	lb       LoadBalancer
	breakers *CircuitBreakerManager
	retry    *RetryStrategy
	client   *http.Client
	metrics  MetricsSink
	logger   zerolog.Logger
	config   DispatcherConfig

	globalActive int64
}

func NewDispatcher(pool *BackendPool, lb LoadBalancer, breakers *CircuitBreakerManager, retry *RetryStrategy, cfg DispatcherConfig, metrics MetricsSink, logger zerolog.Logger) *Dispatcher {
	if metrics == nil {
		metrics = NoopMetricsSink{}
	}
	return &Dispatcher{
		pool:     pool,
		lb:       lb,
		breakers: breakers,
		retry:    retry,
		client: &http.Client{
			Timeout: cfg.UpstreamTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		metrics: metrics,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		config:  cfg,
	}
}

// ServeHTTP implements http.Handler, making the Dispatcher pluggable
// directly into the listener (spec §6's downstream HTTP/1.1 contract).
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	start := time.Now()

	d.metrics.SetGlobalActiveConnections(atomic.AddInt64(&d.globalActive, 1))
	defer func() {
		d.metrics.SetGlobalActiveConnections(atomic.AddInt64(&d.globalActive, -1))
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, d.config.MaxBodyBytes+1))
	if err != nil {
		d.writeError(w, newErr(ErrRequestError, "", err), requestID)
		return
	}
	if int64(len(body)) > d.config.MaxBodyBytes {
		d.writeError(w, newErr(ErrRequestError, "", errors.New("request body exceeds retry buffering limit")), requestID)
		return
	}
	r.Body.Close()

	clientAddr := clientAddrOf(r)
	method := r.Method
	path := r.URL.RequestURI()
	headers := r.Header.Clone()

	var (
		lastErr      error
		lastBackend  *Backend
		lastRespCode int
	)

	maxAttempts := d.retry.MaxAttempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, backend, attemptErr := d.attempt(r.Context(), requestID, method, path, headers, body, clientAddr)
		lastErr = attemptErr
		lastBackend = backend

		if attemptErr == nil {
			lastRespCode = resp.statusCode
			if !RetryableStatus(resp.statusCode) || attempt == maxAttempts {
				d.finish(w, resp, requestID, method, start, int64(len(body)))
				return
			}
			// Retryable upstream status: discard this attempt's response
			// and retry, per spec §4.7 step g / §7's 5xx treatment.
			if !d.retry.ShouldRetry(attempt, newErr(ErrBackendError, backend.ID, nil)) {
				d.finish(w, resp, requestID, method, start, int64(len(body)))
				return
			}
		} else {
			if !d.retry.ShouldRetry(attempt, attemptErr) {
				break
			}
		}

		if err := d.retry.Wait(r.Context(), attempt); err != nil {
			break
		}
	}

	d.logger.Warn().
		Str("request_id", requestID).
		Int("status", lastRespCode).
		Err(lastErr).
		Msg("request failed after retries exhausted")
	_ = lastBackend
	if lastErr == nil {
		lastErr = newErr(ErrBackendError, "", errors.New("exhausted retries"))
	}
	d.writeError(w, lastErr, requestID)
}

type attemptResponse struct {
	statusCode int
	header     http.Header
	body       []byte
	backendID  string
}

// attempt performs one selection->admission->forward cycle (spec §4.7
// steps 4a-4g). It never holds the pool's healthy-view lock beyond taking
// the snapshot in pool.Healthy().
func (d *Dispatcher) attempt(ctx context.Context, requestID, method, path string, headers http.Header, body []byte, clientAddr string) (*attemptResponse, *Backend, error) {
	healthy := d.pool.Healthy()
	if len(healthy) == 0 {
		return nil, nil, newErr(ErrNoHealthyBackends, "", nil)
	}

	backend := d.lb.Select(healthy, clientAddr)
	if backend == nil {
		return nil, nil, newErr(ErrNoHealthyBackends, "", nil)
	}

	breaker := d.breakers.GetOrCreate(backend.ID)
	if !breaker.CallPermitted() {
		return nil, backend, newErr(ErrCircuitBreakerOpen, backend.ID, nil)
	}

	if !backend.Admit() {
		return nil, backend, newErr(ErrConnectionLimitReached, backend.ID, nil)
	}
	d.metrics.SetActiveConnections(backend.ID, backend.ActiveConnections())
	defer func() {
		backend.Release()
		d.metrics.SetActiveConnections(backend.ID, backend.ActiveConnections())
	}()

	outReq, err := d.buildRequest(ctx, backend, method, path, headers, body, requestID, clientAddr)
	if err != nil {
		// A malformed upstream URI never reaches the network: it does not
		// count against the backend's failure streak or the breaker.
		return nil, backend, newErr(ErrInvalidURI, backend.ID, err)
	}

	resp, err := d.client.Do(outReq)
	if err != nil {
		backend.RecordOutcome(false)
		breaker.RecordFailure()
		d.metrics.ObserveBackendOutcome(backend.ID, false)
		d.metrics.IncCircuitFailure(backend.ID)
		if isTimeout(err) {
			return nil, backend, newErr(ErrTimeout, backend.ID, err)
		}
		return nil, backend, newErr(ErrBackendError, backend.ID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		backend.RecordOutcome(false)
		breaker.RecordFailure()
		return nil, backend, newErr(ErrBackendError, backend.ID, err)
	}

	success := resp.StatusCode < 400
	backend.RecordOutcome(success)
	d.metrics.ObserveBackendOutcome(backend.ID, success)
	if success {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
		d.metrics.IncCircuitFailure(backend.ID)
	}
	d.metrics.SetCircuitState(backend.ID, breaker.State())

	return &attemptResponse{
		statusCode: resp.StatusCode,
		header:     resp.Header,
		body:       respBody,
		backendID:  backend.ID,
	}, backend, nil
}

// buildRequest rewrites the inbound request onto the backend's scheme and
// authority, preserving path and query verbatim, and sets the proxy
// headers specified in spec §6.
func (d *Dispatcher) buildRequest(ctx context.Context, backend *Backend, method, path string, headers http.Header, body []byte, requestID, clientAddr string) (*http.Request, error) {
	target := *backend.URL
	target.Path = ""
	target.RawQuery = ""
	fullURL := target.String() + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()
	req.Host = target.Host

	if clientAddr != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+clientAddr)
		} else {
			req.Header.Set("X-Forwarded-For", clientAddr)
		}
	}
	req.Header.Set("X-Request-Id", requestID)
	return req, nil
}

// finish writes a completed upstream response to the client, attaching
// x-backend-id (spec §6).
func (d *Dispatcher) finish(w http.ResponseWriter, resp *attemptResponse, requestID, method string, start time.Time, reqBytes int64) {
	for k, vs := range resp.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Backend-Id", resp.backendID)
	w.WriteHeader(resp.statusCode)
	_, _ = w.Write(resp.body)

	d.metrics.ObserveRequest(method, statusClass(resp.statusCode), resp.backendID, time.Since(start), reqBytes, int64(len(resp.body)))
}

// writeError maps a dispatch error to the HTTP status/body/header
// contract of spec §7.
func (d *Dispatcher) writeError(w http.ResponseWriter, err error, requestID string) {
	status := StatusForError(err)
	w.Header().Set("X-Error", err.Error())
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(err.Error()))
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// clientAddrOf extracts the client address per spec §4.7 step 3:
// x-forwarded-for's first hop, else the transport-level remote address.
func clientAddrOf(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
