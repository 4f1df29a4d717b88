package proxy

import (
	"sync"
	"time"
)

// CircuitState is one of the three states in the breaker's state machine
// (spec §4.3).
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// GaugeValue maps a state to the {Closed:0, Open:1, HalfOpen:2} encoding
// the metrics sink expects (spec §4.8).
func (s CircuitState) GaugeValue() float64 {
	return float64(s)
}

// CircuitBreakerConfig configures failure/success thresholds and the
// Open->HalfOpen cool-down (spec §3).
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	// HalfOpenMaxInFlight caps concurrent permits granted while HalfOpen.
	// Zero means unlimited, the spec's default (§9 open question (c)).
	HalfOpenMaxInFlight int
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker is a per-backend three-state failure detector gating
// requests (spec §4.3). Failure detection is consecutive, not windowed —
// deliberate, for a tight recovery-time bound at the cost of hysteresis
// against sparse errors.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu              sync.RWMutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	hasLastFailure  bool
	halfOpenInFlight int

	totalRequests  int64
	failedRequests int64
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: cfg,
		state:  CircuitClosed,
	}
}

// CallPermitted is the probe used before dispatch (spec §4.3). It may
// itself drive the Open->HalfOpen transition, atomically: the write lock
// held across the check-and-flip means at most one concurrent caller
// performs the transition.
func (cb *CircuitBreaker) CallPermitted() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.hasLastFailure && time.Since(cb.lastFailureTime) >= cb.config.Timeout {
			cb.state = CircuitHalfOpen
			cb.failureCount = 0
			cb.successCount = 0
			cb.halfOpenInFlight = 0
			return cb.admitHalfOpenLocked()
		}
		return false
	case CircuitHalfOpen:
		return cb.admitHalfOpenLocked()
	default:
		return false
	}
}

func (cb *CircuitBreaker) admitHalfOpenLocked() bool {
	if cb.config.HalfOpenMaxInFlight <= 0 {
		return true
	}
	if cb.halfOpenInFlight >= cb.config.HalfOpenMaxInFlight {
		return false
	}
	cb.halfOpenInFlight++
	return true
}

// RecordSuccess transitions the breaker per the success row of spec §4.3's
// table.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.config.HalfOpenMaxInFlight > 0 && cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.state = CircuitClosed
			cb.failureCount = 0
			cb.successCount = 0
			cb.hasLastFailure = false
		}
	case CircuitOpen:
		// Late success after a concurrent transition; ignore.
	}
}

// RecordFailure transitions the breaker per the failure row of spec §4.3's
// table.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failedRequests++
	now := time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
			cb.lastFailureTime = now
			cb.hasLastFailure = true
			cb.successCount = 0
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.lastFailureTime = now
		cb.hasLastFailure = true
		cb.successCount = 0
		cb.halfOpenInFlight = 0
	case CircuitOpen:
		// Late failure: refresh the cool-down clock.
		cb.lastFailureTime = now
		cb.hasLastFailure = true
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// CircuitBreakerStats is a point-in-time snapshot for status/metrics
// endpoints.
type CircuitBreakerStats struct {
	State           CircuitState
	FailureCount    int
	SuccessCount    int
	LastFailureTime time.Time
	HasLastFailure  bool
	TotalRequests   int64
	FailedRequests  int64
}

func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return CircuitBreakerStats{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
		HasLastFailure:  cb.hasLastFailure,
		TotalRequests:   cb.totalRequests,
		FailedRequests:  cb.failedRequests,
	}
}

// Reset forces the breaker back to Closed with cleared counters, for
// manual recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.hasLastFailure = false
	cb.halfOpenInFlight = 0
}

// CircuitBreakerManager is a lazy per-backend-id map of breakers sharing
// one configuration (spec §4.3, §9 design note on per-id lazy registries).
type CircuitBreakerManager struct {
	config CircuitBreakerConfig

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func NewCircuitBreakerManager(cfg CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetOrCreate returns the breaker for backendID, creating it under the
// shared config on first use. Never holds the map lock across the
// breaker's own I/O — there is none, but the double-checked pattern keeps
// the write lock window minimal regardless.
func (m *CircuitBreakerManager) GetOrCreate(backendID string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[backendID]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[backendID]; ok {
		return cb
	}
	cb = NewCircuitBreaker(m.config)
	m.breakers[backendID] = cb
	return cb
}

// Remove drops the breaker for backendID, matching the lifetime rule that
// a breaker lives exactly as long as its backend id is registered.
func (m *CircuitBreakerManager) Remove(backendID string) {
	m.mu.Lock()
	delete(m.breakers, backendID)
	m.mu.Unlock()
}

// Snapshot returns stats for every currently-registered breaker, keyed by
// backend id.
func (m *CircuitBreakerManager) Snapshot() map[string]CircuitBreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CircuitBreakerStats, len(m.breakers))
	for id, cb := range m.breakers {
		out[id] = cb.Stats()
	}
	return out
}
