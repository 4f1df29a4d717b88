package listener

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPListener wraps an http.Server for the client-facing proxy port.
// HTTPS termination is out of scope (spec §1's Non-goals); this is a
// plain HTTP/1.1 listener with connection tracking and graceful shutdown.
type HTTPListener struct {
	addr        string
	handler     http.Handler
	server      *http.Server
	listener    net.Listener
	activeConns int64
}

// HTTPListenerConfig configures the listener.
type HTTPListenerConfig struct {
	Addr    string
	Handler http.Handler
}

func NewHTTPListener(cfg HTTPListenerConfig) *HTTPListener {
	return &HTTPListener{
		addr:    cfg.Addr,
		handler: cfg.Handler,
	}
}

// Start begins accepting connections on a background goroutine.
func (l *HTTPListener) Start(ctx context.Context) error {
	var err error
	l.listener, err = net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}

	l.server = &http.Server{
		Handler:           l.handler,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ConnState:         l.trackConnState,
	}

	go func() {
		_ = l.server.Serve(l.listener)
	}()

	return nil
}

func (l *HTTPListener) trackConnState(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		atomic.AddInt64(&l.activeConns, 1)
	case http.StateClosed, http.StateHijacked:
		atomic.AddInt64(&l.activeConns, -1)
	}
}

// ActiveConnections returns the number of accepted TCP connections
// currently open (distinct from Backend.ActiveConnections, which counts
// admitted upstream calls).
func (l *HTTPListener) ActiveConnections() int64 {
	return atomic.LoadInt64(&l.activeConns)
}

// Stop drains in-flight requests up to ctx's deadline, then closes (spec
// §5's bounded drain time).
func (l *HTTPListener) Stop(ctx context.Context) error {
	if l.server == nil {
		return nil
	}
	return l.server.Shutdown(ctx)
}

// Addr returns the bound address.
func (l *HTTPListener) Addr() string {
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.addr
}
