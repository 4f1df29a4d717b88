package proxy

import "sync"

// BackendPool owns the id->Backend map plus a separately materialized
// healthy view (spec §4.2). The map uses a single RWMutex rather than a
// sharded structure: the teacher's own Pool does the same, and at the
// backend-count scale this system targets (tens, not thousands, of
// upstreams) a sharded map buys nothing a single RWMutex with short
// critical sections doesn't already give.
type BackendPool struct {
	mu       sync.RWMutex
	backends map[string]*Backend

	viewMu      sync.RWMutex
	healthyView []*Backend
}

// NewBackendPool creates an empty pool.
func NewBackendPool() *BackendPool {
	return &BackendPool{
		backends: make(map[string]*Backend),
	}
}

// All returns a snapshot of every known backend. Order is unspecified.
func (p *BackendPool) All() []*Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Backend, 0, len(p.backends))
	for _, b := range p.backends {
		out = append(out, b)
	}
	return out
}

// Healthy returns a snapshot of the materialized healthy view.
func (p *BackendPool) Healthy() []*Backend {
	p.viewMu.RLock()
	defer p.viewMu.RUnlock()
	out := make([]*Backend, len(p.healthyView))
	copy(out, p.healthyView)
	return out
}

// Get looks up a backend by id.
func (p *BackendPool) Get(id string) *Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backends[id]
}

// Add inserts a backend into the map but not the healthy view — the
// caller must wait for a probe (spec §4.2). The backend is seeded Unknown
// rather than Unhealthy, per the open-question resolution in spec §9(d):
// seeding Unhealthy would bias consecutive_failures before any real probe
// ran.
func (p *BackendPool) Add(b *Backend) {
	b.SeedUnknown()
	p.mu.Lock()
	p.backends[b.ID] = b
	p.mu.Unlock()
}

// Remove deletes a backend from the map and filters any occurrence from
// the healthy view. Returns false if the id was not present.
func (p *BackendPool) Remove(id string) bool {
	p.mu.Lock()
	_, ok := p.backends[id]
	if ok {
		delete(p.backends, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	p.viewMu.Lock()
	filtered := p.healthyView[:0:0]
	for _, b := range p.healthyView {
		if b.ID != id {
			filtered = append(filtered, b)
		}
	}
	p.healthyView = filtered
	p.viewMu.Unlock()
	return true
}

// RebuildHealthyView iterates the map, collects backends with IsHealthy()
// true, and atomically swaps in the new view (spec §4.2, §9 design note:
// swap-in an immutable list rather than mutate in place).
func (p *BackendPool) RebuildHealthyView() {
	p.mu.RLock()
	candidates := make([]*Backend, 0, len(p.backends))
	for _, b := range p.backends {
		candidates = append(candidates, b)
	}
	p.mu.RUnlock()

	next := make([]*Backend, 0, len(candidates))
	for _, b := range candidates {
		if b.IsHealthy() {
			next = append(next, b)
		}
	}

	p.viewMu.Lock()
	p.healthyView = next
	p.viewMu.Unlock()
}

// Len returns the number of known backends.
func (p *BackendPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.backends)
}

// HealthyCount returns the size of the current healthy view.
func (p *BackendPool) HealthyCount() int {
	p.viewMu.RLock()
	defer p.viewMu.RUnlock()
	return len(p.healthyView)
}
