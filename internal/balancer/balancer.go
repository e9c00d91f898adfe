// Package balancer selects one service instance per request from the
// registry's view of a service, weighing health, load, and per-instance
// circuit state reported by callers.
package balancer

import (
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/relaycore/relay/internal/clock"
	"github.com/relaycore/relay/internal/fault"
	"github.com/relaycore/relay/internal/registry"
)

// Algorithm names an instance-selection strategy.
type Algorithm string

const (
	AlgoRoundRobin         Algorithm = "round_robin"
	AlgoLeastConnections   Algorithm = "least_connections"
	AlgoWeightedRoundRobin Algorithm = "weighted_round_robin"
	AlgoRandom             Algorithm = "random"
	AlgoConsistentHash     Algorithm = "consistent_hash"
	AlgoHealthWeighted     Algorithm = "health_weighted"
)

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgoRoundRobin, AlgoLeastConnections, AlgoWeightedRoundRobin,
		AlgoRandom, AlgoConsistentHash, AlgoHealthWeighted:
		return Algorithm(s), nil
	}
	return "", fault.New(fault.KindValidation, "unknown load balancing algorithm %q", s)
}

// Discoverer is the registry surface the balancer consumes.
type Discoverer interface {
	Discover(name string, opts registry.DiscoverOptions) []registry.ServiceInstance
}

// Config tunes the balancer.
type Config struct {
	Algorithm        Algorithm
	BreakerThreshold int           // consecutive failures that open an instance's breaker
	BreakerTimeout   time.Duration // open duration before the breaker auto-closes
	StickyTTL        time.Duration // idle lifetime of a session binding
	StickyCap        int           // max tracked sessions
}

func (c *Config) withDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = AlgoHealthWeighted
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 60 * time.Second
	}
	if c.StickyTTL <= 0 {
		c.StickyTTL = 30 * time.Minute
	}
	if c.StickyCap <= 0 {
		c.StickyCap = 10000
	}
}

// PickOptions carries per-request selection hints.
type PickOptions struct {
	SessionID string // enables sticky sessions when non-empty
	ClientIP  string // consistent-hash key fallback
	Tags      []string
}

type stickyEntry struct {
	instanceID string
	service    string
	lastUsed   time.Time
}

// Balancer picks instances for named services.
type Balancer struct {
	cfg    Config
	clk    clock.Clock
	log    *slog.Logger
	source Discoverer

	mu     sync.Mutex
	state  map[string]*instanceState // by instance id
	rr     map[string]uint64         // per-service round-robin counters
	sticky map[string]stickyEntry    // by session id
}

// New creates a Balancer drawing candidates from source.
func New(cfg Config, clk clock.Clock, source Discoverer, log *slog.Logger) *Balancer {
	cfg.withDefaults()
	return &Balancer{
		cfg:    cfg,
		clk:    clk,
		log:    log,
		source: source,
		state:  make(map[string]*instanceState),
		rr:     make(map[string]uint64),
		sticky: make(map[string]stickyEntry),
	}
}

// Pick selects one available instance of the named service. The chosen
// instance's active-connection count is incremented; the caller must
// report the outcome with RecordRequestResult to release it.
func (b *Balancer) Pick(service string, opts PickOptions) (registry.ServiceInstance, error) {
	candidates := b.source.Discover(service, registry.DiscoverOptions{Tags: opts.Tags})
	if len(candidates) == 0 {
		return registry.ServiceInstance{}, fault.New(fault.KindUnavailable, "no instances registered for service %s", service)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	available := candidates[:0:0]
	for _, inst := range candidates {
		if b.availableLocked(inst.ID) {
			available = append(available, inst)
		}
	}
	if len(available) == 0 {
		return registry.ServiceInstance{}, fault.New(fault.KindUnavailable, "no available instances for service %s", service)
	}

	if opts.SessionID != "" {
		if inst, ok := b.resolveStickyLocked(service, opts.SessionID, available); ok {
			b.acquireLocked(inst.ID)
			return inst, nil
		}
	}

	chosen := b.selectLocked(service, opts, available)
	if opts.SessionID != "" {
		b.bindStickyLocked(service, opts.SessionID, chosen.ID)
	}
	b.acquireLocked(chosen.ID)
	return chosen, nil
}

// Peek selects an available instance like Pick but without acquiring a
// connection slot or binding a session. Lookup endpoints use it so that
// answering "which instance would I get" leaves the load accounting
// untouched.
func (b *Balancer) Peek(service string, opts PickOptions) (registry.ServiceInstance, error) {
	candidates := b.source.Discover(service, registry.DiscoverOptions{Tags: opts.Tags})
	if len(candidates) == 0 {
		return registry.ServiceInstance{}, fault.New(fault.KindUnavailable, "no instances registered for service %s", service)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	available := candidates[:0:0]
	for _, inst := range candidates {
		if b.availableLocked(inst.ID) {
			available = append(available, inst)
		}
	}
	if len(available) == 0 {
		return registry.ServiceInstance{}, fault.New(fault.KindUnavailable, "no available instances for service %s", service)
	}

	if opts.SessionID != "" {
		if inst, ok := b.resolveStickyLocked(service, opts.SessionID, available); ok {
			return inst, nil
		}
	}
	return b.selectLocked(service, opts, available), nil
}

func (b *Balancer) selectLocked(service string, opts PickOptions, available []registry.ServiceInstance) registry.ServiceInstance {
	switch b.cfg.Algorithm {
	case AlgoRoundRobin:
		return b.pickRoundRobin(service, available)
	case AlgoLeastConnections:
		return b.pickLeastConnections(available)
	case AlgoWeightedRoundRobin:
		return b.pickWeightedRoundRobin(service, available)
	case AlgoRandom:
		return available[rand.IntN(len(available))]
	case AlgoConsistentHash:
		return pickConsistentHash(hashKey(opts), available)
	default:
		return b.pickHealthWeighted(available)
	}
}

// RecordRequestResult feeds a request outcome back into the instance's
// rolling metrics and its per-instance breaker.
func (b *Balancer) RecordRequestResult(instanceID string, success bool, latency time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stateLocked(instanceID)
	st.recordOutcome(success, latency)

	if st.breakerOpen {
		return
	}
	// The breaker opens when the most recent threshold-sized window is
	// all failures.
	n := b.cfg.BreakerThreshold
	if len(st.outcomes) < n {
		return
	}
	for _, ok := range st.outcomes[len(st.outcomes)-n:] {
		if ok {
			return
		}
	}
	st.breakerOpen = true
	st.breakerOpenedAt = b.clk.Now()
	b.log.Warn("instance breaker opened", "instance", instanceID, "failures", n, "error", err)
}

// Statuses returns the metrics view for every instance of a service.
func (b *Balancer) Statuses(service string) []InstanceStatus {
	candidates := b.source.Discover(service, registry.DiscoverOptions{IncludeUnhealthy: true})

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]InstanceStatus, 0, len(candidates))
	for _, inst := range candidates {
		st := b.stateLocked(inst.ID)
		rate, _ := st.successRate()
		out = append(out, InstanceStatus{
			Instance:    inst,
			Health:      st.health(),
			HealthScore: st.healthScore(),
			Requests:    st.requests,
			ActiveConns: st.activeConns,
			AvgLatency:  time.Duration(st.emaLatency) * time.Millisecond,
			SuccessRate: rate,
			BreakerOpen: st.breakerOpen,
		})
	}
	return out
}

// Forget drops tracked metrics for an instance, typically after the
// registry expires it.
func (b *Balancer) Forget(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, instanceID)
}

func (b *Balancer) stateLocked(id string) *instanceState {
	st, ok := b.state[id]
	if !ok {
		st = &instanceState{}
		b.state[id] = st
	}
	return st
}

func (b *Balancer) acquireLocked(id string) {
	b.stateLocked(id).activeConns++
}

// availableLocked applies the health and breaker gates, auto-closing an
// expired breaker on the way through.
func (b *Balancer) availableLocked(id string) bool {
	st, ok := b.state[id]
	if !ok {
		return true // never seen: assume good
	}
	if st.breakerOpen {
		if b.clk.Now().Sub(st.breakerOpenedAt) < b.cfg.BreakerTimeout {
			return false
		}
		st.breakerOpen = false
		st.outcomes = st.outcomes[:0] // fresh window after auto-close
	}
	h := st.health()
	return h == HealthHealthy || h == HealthDegraded
}

func (b *Balancer) pickRoundRobin(service string, insts []registry.ServiceInstance) registry.ServiceInstance {
	i := b.rr[service] % uint64(len(insts))
	b.rr[service]++
	return insts[i]
}

func (b *Balancer) pickLeastConnections(insts []registry.ServiceInstance) registry.ServiceInstance {
	best := insts[0]
	bestConns := b.stateLocked(best.ID).activeConns
	for _, inst := range insts[1:] {
		if conns := b.stateLocked(inst.ID).activeConns; conns < bestConns {
			best, bestConns = inst, conns
		}
	}
	return best
}

// pickWeightedRoundRobin cycles a virtual list where each instance
// appears once per unit of effective weight.
func (b *Balancer) pickWeightedRoundRobin(service string, insts []registry.ServiceInstance) registry.ServiceInstance {
	total := 0
	slots := make([]int, len(insts))
	for i, inst := range insts {
		w := int(b.stateLocked(inst.ID).effectiveWeight(inst.Weight) + 0.5)
		if w < 1 {
			w = 1
		}
		slots[i] = w
		total += w
	}
	pos := int(b.rr[service] % uint64(total))
	b.rr[service]++
	for i, w := range slots {
		if pos < w {
			return insts[i]
		}
		pos -= w
	}
	return insts[len(insts)-1]
}

// pickHealthWeighted samples an instance with probability proportional
// to its effective weight.
func (b *Balancer) pickHealthWeighted(insts []registry.ServiceInstance) registry.ServiceInstance {
	weights := make([]float64, len(insts))
	total := 0.0
	for i, inst := range insts {
		w := b.stateLocked(inst.ID).effectiveWeight(inst.Weight)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return insts[rand.IntN(len(insts))]
	}
	roll := rand.Float64() * total
	for i, w := range weights {
		roll -= w
		if roll < 0 {
			return insts[i]
		}
	}
	return insts[len(insts)-1]
}

// pickConsistentHash maps a key onto the id-sorted candidate list so the
// same key lands on the same instance while membership is stable.
func pickConsistentHash(key string, insts []registry.ServiceInstance) registry.ServiceInstance {
	sorted := make([]registry.ServiceInstance, len(insts))
	copy(sorted, insts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := fnv.New32a()
	h.Write([]byte(key))
	return sorted[h.Sum32()%uint32(len(sorted))]
}

func hashKey(opts PickOptions) string {
	if opts.SessionID != "" {
		return opts.SessionID
	}
	if opts.ClientIP != "" {
		return opts.ClientIP
	}
	return "default"
}

// resolveStickyLocked returns the bound instance for a session when it
// is still available and still serves the requested service; otherwise
// the binding is evicted.
func (b *Balancer) resolveStickyLocked(service, sessionID string, available []registry.ServiceInstance) (registry.ServiceInstance, bool) {
	entry, ok := b.sticky[sessionID]
	if !ok {
		return registry.ServiceInstance{}, false
	}
	if entry.service != service || b.clk.Now().Sub(entry.lastUsed) > b.cfg.StickyTTL {
		delete(b.sticky, sessionID)
		return registry.ServiceInstance{}, false
	}
	for _, inst := range available {
		if inst.ID == entry.instanceID {
			entry.lastUsed = b.clk.Now()
			b.sticky[sessionID] = entry
			return inst, true
		}
	}
	delete(b.sticky, sessionID)
	return registry.ServiceInstance{}, false
}

func (b *Balancer) bindStickyLocked(service, sessionID, instanceID string) {
	if len(b.sticky) >= b.cfg.StickyCap {
		b.evictOldestStickyLocked()
	}
	b.sticky[sessionID] = stickyEntry{
		instanceID: instanceID,
		service:    service,
		lastUsed:   b.clk.Now(),
	}
}

func (b *Balancer) evictOldestStickyLocked() {
	var oldestKey string
	var oldest time.Time
	for k, v := range b.sticky {
		if oldestKey == "" || v.lastUsed.Before(oldest) {
			oldestKey, oldest = k, v.lastUsed
		}
	}
	if oldestKey != "" {
		delete(b.sticky, oldestKey)
	}
}
