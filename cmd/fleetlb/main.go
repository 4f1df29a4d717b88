package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgemesh/fleetlb/internal/adminapi"
	"github.com/edgemesh/fleetlb/internal/config"
	"github.com/edgemesh/fleetlb/internal/listener"
	"github.com/edgemesh/fleetlb/internal/logging"
	"github.com/edgemesh/fleetlb/internal/metrics"
	"github.com/edgemesh/fleetlb/internal/proxy"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	validateOnly := flag.Bool("validate", false, "validate configuration and exit")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleetlb %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if flag.NArg() > 0 {
		*configPath = flag.Arg(0)
	}

	fmt.Printf("Loading configuration from: %s\n", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info().Str("version", version).Int("backends", len(cfg.Backends)).Msg("fleetlb starting")

	pool := proxy.NewBackendPool()
	for _, bc := range cfg.Backends {
		backend, err := proxy.NewBackend(proxy.BackendConfig{
			URL:             bc.URL,
			Weight:          bc.Weight,
			MaxConnections:  bc.MaxConnections,
			HealthCheckPath: bc.HealthCheckPath,
		})
		if err != nil {
			logger.Error().Err(err).Str("url", bc.URL).Msg("failed to create backend")
			os.Exit(1)
		}
		pool.Add(backend)
	}

	breakers := proxy.NewCircuitBreakerManager(proxy.CircuitBreakerConfig{
		FailureThreshold:    cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold:    cfg.CircuitBreaker.SuccessThreshold,
		Timeout:             time.Duration(cfg.CircuitBreaker.TimeoutSecs) * time.Second,
		HalfOpenMaxInFlight: cfg.CircuitBreaker.HalfOpenMaxInFlight,
	})

	lb := proxy.NewLoadBalancer(proxy.Algorithm(cfg.LoadBalancer.Algorithm))

	retry := proxy.NewRetryStrategy(proxy.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BackoffBase: time.Duration(cfg.Retry.BackoffBaseMs) * time.Millisecond,
		BackoffMax:  time.Duration(cfg.Retry.BackoffMaxMs) * time.Millisecond,
	})

	metricsCollector := metrics.New()

	dispatcher := proxy.NewDispatcher(pool, lb, breakers, retry, proxy.DispatcherConfig{
		UpstreamTimeout: time.Duration(cfg.Dispatcher.UpstreamTimeoutSecs) * time.Second,
		MaxBodyBytes:    cfg.Dispatcher.MaxBodyBytes,
	}, metricsCollector, logger)

	healthChecker := proxy.NewHealthChecker(pool, proxy.HealthCheckConfig{
		Interval:           time.Duration(cfg.HealthCheck.IntervalSecs) * time.Second,
		Timeout:            time.Duration(cfg.HealthCheck.TimeoutSecs) * time.Second,
		UnhealthyThreshold: cfg.HealthCheck.UnhealthyThreshold,
		HealthyThreshold:   cfg.HealthCheck.HealthyThreshold,
		Path:               cfg.HealthCheck.Path,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	healthChecker.Start(ctx)
	go reportBackendGauges(ctx, pool, breakers, metricsCollector)

	proxyListener := listener.NewHTTPListener(listener.HTTPListenerConfig{
		Addr:    cfg.Listen,
		Handler: dispatcher,
	})
	if err := proxyListener.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to start proxy listener")
		os.Exit(1)
	}
	logger.Info().Str("addr", cfg.Listen).Msg("proxy listener started")

	var adminServer *adminapi.Server
	if cfg.AdminAPI.Enabled {
		adminServer = adminapi.New(adminapi.Config{
			Addr:       cfg.AdminAPI.Addr,
			Pool:       pool,
			Breakers:   breakers,
			Metrics:    metricsCollector,
			Version:    version,
			AuthToken:  cfg.AdminAPI.Token,
			AllowedIPs: cfg.AdminAPI.AllowedIPs,
		})
		adminServer.Start()
		logger.Info().Str("addr", cfg.AdminAPI.Addr).Msg("admin API started")
	}

	fmt.Printf("fleetlb running on %s. Press Ctrl+C to stop.\n", cfg.Listen)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")
	fmt.Println("Shutting down...")

	healthChecker.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSecs)*time.Second)
	defer drainCancel()

	if adminServer != nil {
		_ = adminServer.Stop(drainCtx)
	}
	if err := proxyListener.Stop(drainCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}

	logger.Info().Msg("shutdown complete")
}

// reportBackendGauges periodically pushes pool-wide counts and per-backend
// health/circuit gauges (spec §4.8). The dispatcher emits per-request
// events directly; the health checker emits no metrics, so backend health
// reaches the sink only through this loop, along with the other gauges
// that reflect steady-state rather than an event.
func reportBackendGauges(ctx context.Context, pool *proxy.BackendPool, breakers *proxy.CircuitBreakerManager, sink *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			all := pool.All()
			sink.SetBackendCounts(pool.HealthyCount(), len(all))
			for _, b := range all {
				sink.SetBackendHealth(b.ID, b.IsHealthy())
				sink.SetActiveConnections(b.ID, b.ActiveConnections())
				sink.SetCircuitState(b.ID, breakers.GetOrCreate(b.ID).State())
			}
		}
	}
}
