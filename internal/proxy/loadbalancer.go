package proxy

import (
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"
	mrand "math/rand"
	"sync"
	"sync/atomic"
)

// Algorithm names the selection strategy, matching the config schema's
// load_balancer.algorithm values (spec §3, §4.4, §9 open question (a)).
type Algorithm string

const (
	AlgorithmRoundRobin       Algorithm = "round_robin"
	AlgorithmLeastConnections Algorithm = "least_connections"
	AlgorithmWeighted         Algorithm = "weighted"
	AlgorithmRandom           Algorithm = "random"
	AlgorithmIPHash           Algorithm = "ip_hash"
)

// LoadBalancer selects one backend from a candidate slice (spec §4.4).
// Implementations must be safe for concurrent use and must never mutate
// the candidate slice they're given.
type LoadBalancer interface {
	Select(candidates []*Backend, clientAddr string) *Backend
}

// NewLoadBalancer constructs the strategy named by alg, defaulting to
// round robin for an unrecognized or empty name.
func NewLoadBalancer(alg Algorithm) LoadBalancer {
	switch alg {
	case AlgorithmLeastConnections:
		return &leastConnectionsBalancer{}
	case AlgorithmWeighted:
		return &weightedBalancer{}
	case AlgorithmRandom:
		return &randomBalancer{}
	case AlgorithmIPHash:
		return &ipHashBalancer{}
	default:
		return &roundRobinBalancer{}
	}
}

// roundRobinBalancer cycles through candidates using a shared atomic
// counter, matching the teacher's lock-free round robin.
type roundRobinBalancer struct {
	counter uint64
}

func (b *roundRobinBalancer) Select(candidates []*Backend, _ string) *Backend {
	if len(candidates) == 0 {
		return nil
	}
	n := atomic.AddUint64(&b.counter, 1)
	return candidates[(n-1)%uint64(len(candidates))]
}

// leastConnectionsBalancer picks the candidate with the fewest active
// connections, breaking ties by first-seen order.
type leastConnectionsBalancer struct{}

func (b *leastConnectionsBalancer) Select(candidates []*Backend, _ string) *Backend {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	bestLoad := best.ActiveConnections()
	for _, c := range candidates[1:] {
		load := c.ActiveConnections()
		if load < bestLoad {
			best = c
			bestLoad = load
		}
	}
	return best
}

// weightedBalancer implements smooth weighted round robin: each candidate
// accumulates its weight every pick, the highest accumulator is chosen and
// decremented by the total weight. This spreads picks proportionally to
// weight without bursting, unlike plain weighted round robin.
type weightedBalancer struct {
	mu      sync.Mutex
	current map[string]int
}

func (b *weightedBalancer) Select(candidates []*Backend, _ string) *Backend {
	if len(candidates) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		b.current = make(map[string]int, len(candidates))
	}

	total := 0
	var best *Backend
	bestScore := 0
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		total += w
		b.current[c.ID] += w
		if best == nil || b.current[c.ID] > bestScore {
			best = c
			bestScore = b.current[c.ID]
		}
	}
	if best != nil {
		b.current[best.ID] -= total
	}
	return best
}

// randomBalancer picks uniformly at random.
type randomBalancer struct {
	mu sync.Mutex
	r  *mrand.Rand
}

func (b *randomBalancer) Select(candidates []*Backend, _ string) *Backend {
	if len(candidates) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.r == nil {
		b.r = mrand.New(mrand.NewSource(randSeed()))
	}
	return candidates[b.r.Intn(len(candidates))]
}

// ipHashBalancer deterministically maps a client address to one of the
// candidates via FNV-1a, so the same client address sticks to the same
// backend as long as the candidate set is unchanged. When no client
// address is available it falls back to round robin (spec §4.4) rather
// than always favoring one candidate.
type ipHashBalancer struct {
	fallback roundRobinBalancer
}

func (b *ipHashBalancer) Select(candidates []*Backend, clientAddr string) *Backend {
	if len(candidates) == 0 {
		return nil
	}
	if clientAddr == "" {
		return b.fallback.Select(candidates, clientAddr)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientAddr))
	idx := h.Sum32() % uint32(len(candidates))
	return candidates[idx]
}

// randSeed seeds the random balancer's PRNG from crypto/rand once, on the
// balancer's first Select, keeping crypto/rand out of the hot path.
func randSeed() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	seed := int64(binary.BigEndian.Uint64(b[:]))
	if seed < 0 {
		seed = -seed
	}
	return seed
}
