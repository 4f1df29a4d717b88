package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applies defaults, then
// validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.LoadBalancer.Algorithm == "" {
		c.LoadBalancer.Algorithm = "round_robin"
	}
	for i := range c.Backends {
		if c.Backends[i].Weight == 0 {
			c.Backends[i].Weight = 1
		}
		if c.Backends[i].MaxConnections == 0 {
			c.Backends[i].MaxConnections = 100
		}
	}
	if c.HealthCheck.IntervalSecs == 0 {
		c.HealthCheck.IntervalSecs = 10
	}
	if c.HealthCheck.TimeoutSecs == 0 {
		c.HealthCheck.TimeoutSecs = 2
	}
	if c.HealthCheck.UnhealthyThreshold == 0 {
		c.HealthCheck.UnhealthyThreshold = 3
	}
	if c.HealthCheck.HealthyThreshold == 0 {
		c.HealthCheck.HealthyThreshold = 2
	}
	if c.HealthCheck.Path == "" {
		c.HealthCheck.Path = "/"
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.SuccessThreshold == 0 {
		c.CircuitBreaker.SuccessThreshold = 2
	}
	if c.CircuitBreaker.TimeoutSecs == 0 {
		c.CircuitBreaker.TimeoutSecs = 30
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BackoffBaseMs == 0 {
		c.Retry.BackoffBaseMs = 50
	}
	if c.Retry.BackoffMaxMs == 0 {
		c.Retry.BackoffMaxMs = 2000
	}
	if c.Dispatcher.UpstreamTimeoutSecs == 0 {
		c.Dispatcher.UpstreamTimeoutSecs = 10
	}
	if c.Dispatcher.MaxBodyBytes == 0 {
		c.Dispatcher.MaxBodyBytes = 10 << 20
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.AdminAPI.Addr == "" {
		c.AdminAPI.Addr = ":9091"
	}
	if c.ShutdownTimeoutSecs == 0 {
		c.ShutdownTimeoutSecs = 30
	}
}

// Validate checks the log, load_balancer, backends, health_check,
// circuit_breaker and retry sections and fails closed, naming the first
// offending field (spec §3). The listen, metrics, admin_api and dispatcher
// sections are not validated.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.LoadBalancer.Validate(); err != nil {
		return fmt.Errorf("load_balancer: %w", err)
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	for i := range c.Backends {
		if err := c.Backends[i].Validate(); err != nil {
			return fmt.Errorf("backends[%d]: %w", i, err)
		}
	}
	if err := c.HealthCheck.Validate(); err != nil {
		return fmt.Errorf("health_check: %w", err)
	}
	if err := c.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("circuit_breaker: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

func (l *LogConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(l.Level)] {
		return fmt.Errorf("invalid level: %s", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(l.Format)] {
		return fmt.Errorf("invalid format: %s", l.Format)
	}
	return nil
}

func (lb *LoadBalancerConfig) Validate() error {
	valid := map[string]bool{
		"round_robin": true, "least_connections": true, "weighted": true,
		"random": true, "ip_hash": true,
	}
	if !valid[lb.Algorithm] {
		return fmt.Errorf("invalid algorithm: %s", lb.Algorithm)
	}
	return nil
}

func (b *BackendConfig) Validate() error {
	if b.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(b.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", b.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must use http or https scheme: %s", b.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("url must include host: %s", b.URL)
	}
	if b.Weight < 1 {
		return fmt.Errorf("weight must be >= 1")
	}
	if b.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be >= 1")
	}
	return nil
}

func (h *HealthCheckConfig) Validate() error {
	if h.IntervalSecs <= 0 {
		return fmt.Errorf("interval_secs must be > 0")
	}
	if h.UnhealthyThreshold < 1 {
		return fmt.Errorf("unhealthy_threshold must be >= 1")
	}
	if h.HealthyThreshold < 1 {
		return fmt.Errorf("healthy_threshold must be >= 1")
	}
	return nil
}

func (cb *CircuitBreakerConfig) Validate() error {
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1")
	}
	if cb.SuccessThreshold < 1 {
		return fmt.Errorf("success_threshold must be >= 1")
	}
	return nil
}

func (r *RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1")
	}
	if r.BackoffMaxMs < r.BackoffBaseMs {
		return fmt.Errorf("backoff_max_ms must be >= backoff_base_ms")
	}
	return nil
}
