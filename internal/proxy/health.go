package proxy

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthCheckConfig configures the periodic prober (spec §3, §4.5).
type HealthCheckConfig struct {
	Interval           time.Duration
	Timeout            time.Duration
	UnhealthyThreshold int
	HealthyThreshold   int
	Path               string
}

func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Interval:           10 * time.Second,
		Timeout:            2 * time.Second,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
		Path:               "/",
	}
}

// HealthChecker periodically probes every backend in a pool and rebuilds
// the pool's healthy view once at the end of every probe round (spec §4.5).
type HealthChecker struct {
	pool   *BackendPool
	config HealthCheckConfig
	client *http.Client
	logger zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewHealthChecker(pool *BackendPool, cfg HealthCheckConfig, logger zerolog.Logger) *HealthChecker {
	return &HealthChecker{
		pool:   pool,
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.With().Str("component", "healthchecker").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the probe loop until Stop is called or ctx is cancelled,
// probing immediately on entry so a fresh pool doesn't wait a full
// interval before its first classification.
func (h *HealthChecker) Start(ctx context.Context) {
	go func() {
		defer close(h.doneCh)
		h.checkAll(ctx)
		ticker := time.NewTicker(h.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case <-ticker.C:
				h.checkAll(ctx)
			}
		}
	}()
}

// Stop signals the probe loop to exit and blocks until it has.
func (h *HealthChecker) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

// checkAll fans a probe out to every backend concurrently, waits for the
// round to finish, then rebuilds the healthy view once.
func (h *HealthChecker) checkAll(ctx context.Context) {
	backends := h.pool.All()
	if len(backends) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(backends))
	for _, b := range backends {
		b := b
		go func() {
			defer wg.Done()
			h.checkOne(ctx, b)
		}()
	}
	wg.Wait()

	h.pool.RebuildHealthyView()
}

// checkOne probes a single backend, feeds the result into its streak
// counters, then reclassifies against the configured thresholds.
func (h *HealthChecker) checkOne(ctx context.Context, b *Backend) {
	ok := h.probe(ctx, b)
	b.ObserveProbe(ok)
	prior, current := b.ApplyHealthThresholds(h.config.UnhealthyThreshold, h.config.HealthyThreshold)

	if prior != current {
		h.logger.Info().
			Str("backend_id", b.ID).
			Str("from", prior.String()).
			Str("to", current.String()).
			Msg("backend health transition")
	}
}

// probe issues the HTTP health check request. Only a 2xx response counts
// as healthy; any other status or a transport error counts as a failed
// probe. Per-backend path overrides the checker's default when set.
func (h *HealthChecker) probe(ctx context.Context, b *Backend) bool {
	reqCtx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	path := b.HealthCheckPath
	if path == "" {
		path = h.config.Path
	}
	u := *b.URL
	u.Path = path

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
