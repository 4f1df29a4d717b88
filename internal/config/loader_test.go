package config

import (
	"strings"
	"testing"
)

const minimalYAML = `
backends:
  - url: "http://10.0.0.1:8080"
  - url: "http://10.0.0.2:8080"
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.LoadBalancer.Algorithm != "round_robin" {
		t.Errorf("default algorithm = %q, want round_robin", cfg.LoadBalancer.Algorithm)
	}
	if cfg.Backends[0].Weight != 1 {
		t.Errorf("default weight = %d, want 1", cfg.Backends[0].Weight)
	}
	if cfg.Backends[0].MaxConnections != 100 {
		t.Errorf("default max_connections = %d, want 100", cfg.Backends[0].MaxConnections)
	}
	if cfg.HealthCheck.IntervalSecs != 10 {
		t.Errorf("default health_check.interval_secs = %d, want 10", cfg.HealthCheck.IntervalSecs)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("default retry.max_attempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
}

func TestParseRejectsNoBackends(t *testing.T) {
	_, err := Parse([]byte("listen: \":8080\"\n"))
	if err == nil {
		t.Fatal("expected error for config with no backends")
	}
	if !strings.Contains(err.Error(), "backend") {
		t.Errorf("error %q does not name the offending field", err.Error())
	}
}

func TestParseRejectsInvalidAlgorithm(t *testing.T) {
	yaml := minimalYAML + "\nload_balancer:\n  algorithm: \"bogus\"\n"
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error for invalid algorithm")
	}
	if !strings.Contains(err.Error(), "algorithm") {
		t.Errorf("error %q does not name the offending field", err.Error())
	}
}

func TestParseRejectsBadBackendURL(t *testing.T) {
	yaml := `
backends:
  - url: "ftp://bad-scheme.example"
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error for ftp:// backend URL")
	}
	if !strings.Contains(err.Error(), "backends[0]") {
		t.Errorf("error %q does not name the offending backend index", err.Error())
	}
}

func TestParseRejectsBackoffMaxBelowBase(t *testing.T) {
	yaml := minimalYAML + "\nretry:\n  backoff_base_ms: 500\n  backoff_max_ms: 100\n"
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error when backoff_max_ms < backoff_base_ms")
	}
}

func TestParseRejectsInvalidLogLevel(t *testing.T) {
	yaml := minimalYAML + "\nlog:\n  level: \"verbose\"\n  format: \"json\"\n"
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
}
