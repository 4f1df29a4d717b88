package adminapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgemesh/fleetlb/internal/metrics"
	"github.com/edgemesh/fleetlb/internal/proxy"
)

// Server is the ops-facing HTTP surface: liveness, status, per-backend
// snapshots and the Prometheus endpoint (SPEC_FULL.md §4). It runs on its
// own listener, separate from the proxy's client-facing one.
type Server struct {
	server      *http.Server
	pool        *proxy.BackendPool
	breakers    *proxy.CircuitBreakerManager
	metrics     *metrics.Metrics
	startTime   time.Time
	version     string
	authToken   string
	allowedNets []*net.IPNet
}

// Config configures the admin server.
type Config struct {
	Addr       string
	Pool       *proxy.BackendPool
	Breakers   *proxy.CircuitBreakerManager
	Metrics    *metrics.Metrics
	Version    string
	AuthToken  string
	AllowedIPs []string
}

// New builds the admin mux and wraps every endpoint but /healthz behind
// the configured auth.
func New(cfg Config) *Server {
	s := &Server{
		pool:      cfg.Pool,
		breakers:  cfg.Breakers,
		metrics:   cfg.Metrics,
		startTime: time.Now(),
		version:   cfg.Version,
		authToken: cfg.AuthToken,
	}

	for _, cidr := range cfg.AllowedIPs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			if ip := net.ParseIP(cidr); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				network = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
			}
		}
		if network != nil {
			s.allowedNets = append(s.allowedNets, network)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("/backends", s.requireAuth(s.handleBackends))
	if cfg.Metrics != nil {
		mux.Handle("/metrics", s.requireAuth(promhttp.HandlerFor(cfg.Metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP))
	}

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedNets) > 0 {
			clientIP := extractIP(r.RemoteAddr)
			allowed := false
			for _, network := range s.allowedNets {
				if clientIP != nil && network.Contains(clientIP) {
					allowed = true
					break
				}
			}
			if !allowed {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}

		if s.authToken != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.authToken {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next(w, r)
	}
}

func extractIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(host)
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		_ = s.server.ListenAndServe()
	}()
}

// Stop gracefully shuts the admin server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type statusResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Uptime     string `json:"uptime"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`
	Goroutines int    `json:"goroutines"`
	Memory     struct {
		AllocBytes uint64 `json:"alloc_bytes"`
		SysBytes   uint64 `json:"sys_bytes"`
		NumGC      uint32 `json:"num_gc"`
	} `json:"memory"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := statusResponse{
		Status:     "running",
		Version:    s.version,
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		GoVersion:  runtime.Version(),
		NumCPU:     runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
	}
	resp.Memory.AllocBytes = mem.Alloc
	resp.Memory.SysBytes = mem.Sys
	resp.Memory.NumGC = mem.NumGC

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type backendSnapshot struct {
	ID                string    `json:"id"`
	URL               string    `json:"url"`
	Weight            int       `json:"weight"`
	MaxConnections    int64     `json:"max_connections"`
	ActiveConnections int64     `json:"active_connections"`
	TotalRequests     int64     `json:"total_requests"`
	FailedRequests    int64     `json:"failed_requests"`
	Health            string    `json:"health"`
	LastHealthCheck   time.Time `json:"last_health_check,omitempty"`
	CircuitState      string    `json:"circuit_state"`
	CircuitFailures   int       `json:"circuit_failure_count"`
	CircuitSuccesses  int       `json:"circuit_success_count"`
}

type backendsResponse struct {
	Total    int               `json:"total"`
	Healthy  int               `json:"healthy"`
	Backends []backendSnapshot `json:"backends"`
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	all := s.pool.All()
	resp := backendsResponse{
		Total:    s.pool.Len(),
		Healthy:  s.pool.HealthyCount(),
		Backends: make([]backendSnapshot, 0, len(all)),
	}

	for _, b := range all {
		status := b.CurrentStatus()
		cb := s.breakers.GetOrCreate(b.ID).Stats()
		resp.Backends = append(resp.Backends, backendSnapshot{
			ID:                b.ID,
			URL:               b.URL.String(),
			Weight:            b.Weight,
			MaxConnections:    b.MaxConnections,
			ActiveConnections: b.ActiveConnections(),
			TotalRequests:     b.TotalRequests(),
			FailedRequests:    b.FailedRequests(),
			Health:            status.Health.String(),
			LastHealthCheck:   status.LastHealthCheck,
			CircuitState:      cb.State.String(),
			CircuitFailures:   cb.FailureCount,
			CircuitSuccesses:  cb.SuccessCount,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
