package config

// Config is the root configuration structure (spec §3's data model).
type Config struct {
	Listen        string              `yaml:"listen"`
	Log           LogConfig           `yaml:"log"`
	LoadBalancer  LoadBalancerConfig  `yaml:"load_balancer"`
	Backends      []BackendConfig     `yaml:"backends"`
	HealthCheck   HealthCheckConfig   `yaml:"health_check"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry         RetryConfig         `yaml:"retry"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	AdminAPI      AdminConfig         `yaml:"admin_api"`
	Dispatcher    DispatcherConfig    `yaml:"dispatcher"`
	ShutdownTimeoutSecs int           `yaml:"shutdown_timeout_secs"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// LoadBalancerConfig selects the selection strategy (spec §3, §4.4).
type LoadBalancerConfig struct {
	Algorithm string `yaml:"algorithm"` // round_robin, least_connections, weighted, random, ip_hash
}

// BackendConfig defines one upstream backend.
type BackendConfig struct {
	URL             string `yaml:"url"`
	Weight          int    `yaml:"weight"`
	MaxConnections  int    `yaml:"max_connections"`
	HealthCheckPath string `yaml:"health_check_path"`
}

// HealthCheckConfig configures the periodic prober (spec §3, §4.5).
type HealthCheckConfig struct {
	IntervalSecs       int    `yaml:"interval_secs"`
	TimeoutSecs        int    `yaml:"timeout_secs"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold"`
	HealthyThreshold   int    `yaml:"healthy_threshold"`
	Path               string `yaml:"path"`
}

// CircuitBreakerConfig configures the per-backend breaker (spec §3, §4.3).
type CircuitBreakerConfig struct {
	FailureThreshold    int `yaml:"failure_threshold"`
	SuccessThreshold    int `yaml:"success_threshold"`
	TimeoutSecs         int `yaml:"timeout_secs"`
	HalfOpenMaxInFlight int `yaml:"half_open_max_in_flight"`
}

// RetryConfig configures the dispatcher's retry loop (spec §3, §4.6).
type RetryConfig struct {
	MaxAttempts     int `yaml:"max_attempts"`
	BackoffBaseMs   int `yaml:"backoff_base_ms"`
	BackoffMaxMs    int `yaml:"backoff_max_ms"`
}

// DispatcherConfig tunes the upstream HTTP client and body-buffering cap.
type DispatcherConfig struct {
	UpstreamTimeoutSecs int   `yaml:"upstream_timeout_secs"`
	MaxBodyBytes        int64 `yaml:"max_body_bytes"`
}

// MetricsConfig holds the metrics section (spec §3, §6). It is parsed and
// defaulted, but cmd/fleetlb does not read it: no metrics listener is
// started on Port or Path. Prometheus metrics are served only at /metrics
// on the admin API listener, when admin_api.enabled is set.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// AdminConfig configures the admin/ops HTTP surface.
type AdminConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Addr       string   `yaml:"addr"`
	Token      string   `yaml:"token"`
	AllowedIPs []string `yaml:"allowed_ips"`
}
