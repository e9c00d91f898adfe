// Package registry maintains the authoritative list of live service
// instances. It owns heartbeat TTLs, health probing, lifecycle events,
// and persistence, and is the discovery source for the load balancer,
// router, and gateway.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/relaycore/relay/internal/clock"
	"github.com/relaycore/relay/internal/fault"
	"github.com/relaycore/relay/internal/metrics"
)

// Store is the persistence surface the registry needs. A nil Store keeps
// the registry memory-only.
type Store interface {
	SaveService(id string, data []byte) error
	DeleteService(id string) error
	ListServices() (map[string][]byte, error)
	AppendEvent(eventID string, ts time.Time, data []byte) error
	PruneEvents(cutoff time.Time) (int, error)
	SaveDependencies(serviceID string, data []byte) error
	DeleteDependencies(serviceID string) error
	Backup(path string) error
}

// Config tunes registry behaviour.
type Config struct {
	ServiceTTL          time.Duration // heartbeat expiry window
	HealthCheckInterval time.Duration // prober cadence
	HealthCheckTimeout  time.Duration // per-probe deadline
	CleanupInterval     time.Duration // TTL sweeper cadence
	BackupInterval      time.Duration // snapshot cadence (0 disables)
	BackupPath          string        // snapshot destination
	EventRetention      time.Duration // events older than this are pruned
	EventCap            int           // in-memory event ring bound
	FailureThreshold    int           // consecutive probe failures before UNHEALTHY
	RecoveryThreshold   int           // consecutive successes before HEALTHY
}

func (c *Config) withDefaults() {
	if c.ServiceTTL <= 0 {
		c.ServiceTTL = 5 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = 5 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.EventRetention <= 0 {
		c.EventRetention = 24 * time.Hour
	}
	if c.EventCap <= 0 {
		c.EventCap = 10000
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 1
	}
}

// serviceState pairs the persisted registration with ephemeral probe
// counters that only exist while the registry is running.
type serviceState struct {
	reg          Registration
	probeFails   int
	probeOKs     int
	beatsHealthy int // consecutive heartbeats while UNHEALTHY
}

// Registry tracks registered service instances and their health.
type Registry struct {
	cfg   Config
	clk   clock.Clock
	log   *slog.Logger
	store Store
	httpc *http.Client

	mu       sync.RWMutex
	services map[string]*serviceState
	events   []Event
	watchers map[string][]WatchFunc

	probing sync.Mutex // skips a probe tick while the previous one runs
	running bool
	cancel  context.CancelFunc
	grp     *errgroup.Group
	cron    *cron.Cron
}

// New creates a Registry and hydrates it from the store when one is set.
func New(cfg Config, clk clock.Clock, s Store, log *slog.Logger) *Registry {
	cfg.withDefaults()
	r := &Registry{
		cfg:      cfg,
		clk:      clk,
		log:      log,
		store:    s,
		httpc:    &http.Client{Timeout: cfg.HealthCheckTimeout},
		services: make(map[string]*serviceState),
		watchers: make(map[string][]WatchFunc),
	}
	r.loadFromStore()
	return r
}

// loadFromStore reconstructs in-memory state before the registry accepts
// traffic. Corrupt rows are skipped, not fatal.
func (r *Registry) loadFromStore() {
	if r.store == nil {
		return
	}
	rows, err := r.store.ListServices()
	if err != nil {
		r.log.Error("load services from store", "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, data := range rows {
		var reg Registration
		if err := json.Unmarshal(data, &reg); err != nil {
			r.log.Warn("skipping corrupt service record", "id", id, "error", err)
			continue
		}
		r.services[id] = &serviceState{reg: reg}
	}
	metrics.ServicesRegistered.Set(float64(len(r.services)))
	r.log.Info("loaded services from store", "count", len(r.services))
}

// Register stores a registration in STARTING, persists it, and emits
// REGISTERED. A duplicate id replaces the prior registration.
func (r *Registry) Register(inst ServiceInstance, dependencies []string) (string, error) {
	if err := inst.Validate(); err != nil {
		return "", err
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.Weight <= 0 {
		inst.Weight = 1
	}
	now := r.clk.Now()
	reg := Registration{
		Instance:      inst,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Status:        StatusStarting,
		TTL:           r.cfg.ServiceTTL,
		Dependencies:  dependencies,
	}

	// Persist before the in-memory state advances; a store failure aborts.
	if err := r.persistRegistration(&reg); err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "persist registration %s", inst.ID)
	}

	r.mu.Lock()
	replaced := r.services[inst.ID] != nil
	r.services[inst.ID] = &serviceState{reg: reg}
	metrics.ServicesRegistered.Set(float64(len(r.services)))
	r.mu.Unlock()

	details := map[string]string{"address": inst.Address()}
	if replaced {
		details["replaced"] = "true"
	}
	r.emit(EventRegistered, inst.ID, inst.Name, details)
	r.log.Info("registered service", "id", inst.ID, "name", inst.Name, "address", inst.Address())
	return inst.ID, nil
}

// Deregister removes a registration and emits DEREGISTERED.
func (r *Registry) Deregister(id, reason string) error {
	r.mu.Lock()
	st, ok := r.services[id]
	if !ok {
		r.mu.Unlock()
		return fault.New(fault.KindNotFound, "service %s is not registered", id)
	}
	delete(r.services, id)
	metrics.ServicesRegistered.Set(float64(len(r.services)))
	name := st.reg.Instance.Name
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteService(id); err != nil {
			r.log.Error("delete service row", "id", id, "error", err)
		}
		if err := r.store.DeleteDependencies(id); err != nil {
			r.log.Error("delete dependency rows", "id", id, "error", err)
		}
	}
	r.emit(EventDeregistered, id, name, map[string]string{"reason": reason})
	r.log.Info("deregistered service", "id", id, "name", name, "reason", reason)
	return nil
}

// Update merges a patch into a registration and emits UPDATED.
func (r *Registry) Update(id string, patch Patch) error {
	r.mu.Lock()
	st, ok := r.services[id]
	if !ok {
		r.mu.Unlock()
		return fault.New(fault.KindNotFound, "service %s is not registered", id)
	}
	updated := st.reg
	if patch.Metadata != nil {
		merged := make(map[string]string, len(updated.Instance.Metadata)+len(patch.Metadata))
		for k, v := range updated.Instance.Metadata {
			merged[k] = v
		}
		for k, v := range patch.Metadata {
			merged[k] = v
		}
		updated.Instance.Metadata = merged
	}
	if patch.Tags != nil {
		updated.Instance.Tags = patch.Tags
	}
	if patch.HealthURL != nil {
		updated.Instance.HealthURL = *patch.HealthURL
	}
	if patch.Version != nil {
		updated.Instance.Version = *patch.Version
	}
	if patch.Weight != nil && *patch.Weight > 0 {
		updated.Instance.Weight = *patch.Weight
	}
	r.mu.Unlock()

	if err := r.persistRegistration(&updated); err != nil {
		return fault.Wrap(fault.KindInternal, err, "persist update %s", id)
	}

	r.mu.Lock()
	if st, ok := r.services[id]; ok {
		st.reg = updated
	}
	r.mu.Unlock()

	r.emit(EventUpdated, id, updated.Instance.Name, nil)
	return nil
}

// Heartbeat bumps the registration's liveness. An UNHEALTHY service
// recovers to HEALTHY once the recovery threshold of beats is met.
func (r *Registry) Heartbeat(id string) error {
	now := r.clk.Now()

	r.mu.Lock()
	st, ok := r.services[id]
	if !ok {
		r.mu.Unlock()
		return fault.New(fault.KindNotFound, "service %s is not registered", id)
	}
	updated := st.reg
	updated.LastHeartbeat = now
	beats := st.beatsHealthy
	var transition Status
	switch updated.Status {
	case StatusStarting:
		// A live heartbeat is proof of readiness for instances without a
		// health URL; probed instances wait for the prober.
		if updated.Instance.HealthURL == "" {
			updated.Status = StatusHealthy
			transition = StatusHealthy
		}
	case StatusUnhealthy:
		beats++
		if beats >= r.cfg.RecoveryThreshold {
			updated.Status = StatusHealthy
			beats = 0
			transition = StatusHealthy
		}
	default:
		beats = 0
	}
	r.mu.Unlock()

	// Persist before the in-memory state advances; a store failure aborts.
	if err := r.persistRegistration(&updated); err != nil {
		return fault.Wrap(fault.KindInternal, err, "persist heartbeat %s", id)
	}

	r.mu.Lock()
	if st, ok := r.services[id]; ok {
		st.reg = updated
		st.beatsHealthy = beats
	}
	r.mu.Unlock()

	if transition != "" {
		r.emit(EventHealthChanged, id, updated.Instance.Name, map[string]string{"status": string(transition)})
	}
	return nil
}

// DiscoverOptions filters a Discover call.
type DiscoverOptions struct {
	IncludeUnhealthy bool
	Tags             []string
}

// Discover returns instances registered under name, filtered by health
// and tags, ordered by descending weight with id tie-break for
// determinism. The default health filter admits HEALTHY and STARTING.
func (r *Registry) Discover(name string, opts DiscoverOptions) []ServiceInstance {
	r.mu.RLock()
	var out []ServiceInstance
	for _, st := range r.services {
		if st.reg.Instance.Name != name {
			continue
		}
		if !opts.IncludeUnhealthy && st.reg.Status != StatusHealthy && st.reg.Status != StatusStarting {
			continue
		}
		if !st.reg.Instance.HasTags(opts.Tags) {
			continue
		}
		out = append(out, st.reg.Instance)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns the registration for an id.
func (r *Registry) Get(id string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.services[id]
	if !ok {
		return Registration{}, false
	}
	return st.reg, true
}

// All returns every registration grouped by service name.
func (r *Registry) All() map[string][]ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]ServiceInstance)
	for _, st := range r.services {
		out[st.reg.Instance.Name] = append(out[st.reg.Instance.Name], st.reg.Instance)
	}
	for _, instances := range out {
		sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	}
	return out
}

// Count returns the number of current registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// GetHealth returns the joined health view for a registration, including
// the status of each declared dependency.
func (r *Registry) GetHealth(id string) (HealthSnapshot, error) {
	now := r.clk.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.services[id]
	if !ok {
		return HealthSnapshot{}, fault.New(fault.KindNotFound, "service %s is not registered", id)
	}
	snap := HealthSnapshot{
		ServiceID:     id,
		ServiceName:   st.reg.Instance.Name,
		Status:        st.reg.Status,
		LastHeartbeat: st.reg.LastHeartbeat,
		Uptime:        now.Sub(st.reg.RegisteredAt),
	}
	if len(st.reg.Dependencies) > 0 {
		snap.Dependencies = make(map[string]Status, len(st.reg.Dependencies))
		for _, depID := range st.reg.Dependencies {
			if dep, ok := r.services[depID]; ok {
				snap.Dependencies[depID] = dep.reg.Status
			} else {
				snap.Dependencies[depID] = StatusUnknown
			}
		}
	}
	return snap, nil
}

// persistRegistration writes a registration row and its dependency list.
func (r *Registry) persistRegistration(reg *Registration) error {
	if r.store == nil {
		return nil
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	if err := r.store.SaveService(reg.Instance.ID, data); err != nil {
		return err
	}
	if len(reg.Dependencies) > 0 {
		deps, err := json.Marshal(reg.Dependencies)
		if err != nil {
			return fmt.Errorf("marshal dependencies: %w", err)
		}
		if err := r.store.SaveDependencies(reg.Instance.ID, deps); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the health prober, cleanup sweeper, and backup schedule.
// Idempotent.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	grp, ctx := errgroup.WithContext(ctx)
	r.grp = grp
	grp.Go(func() error { return r.probeLoop(ctx) })
	grp.Go(func() error { return r.cleanupLoop(ctx) })

	r.cron = cron.New()
	if r.cfg.BackupInterval > 0 && r.cfg.BackupPath != "" && r.store != nil {
		_, _ = r.cron.AddFunc(fmt.Sprintf("@every %s", r.cfg.BackupInterval), r.backup)
	}
	_, _ = r.cron.AddFunc("@hourly", r.pruneEvents)
	r.cron.Start()
	r.log.Info("registry started", "ttl", r.cfg.ServiceTTL, "cleanup_interval", r.cfg.CleanupInterval)
}

// Stop signals background loops and waits for them.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.cancel()
	_ = r.grp.Wait()
	r.log.Info("registry stopped")
}

// Running reports whether background loops are active.
func (r *Registry) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *Registry) backup() {
	if err := r.store.Backup(r.cfg.BackupPath); err != nil {
		r.log.Error("registry backup", "path", r.cfg.BackupPath, "error", err)
		return
	}
	r.log.Info("registry backup written", "path", r.cfg.BackupPath)
}

// cleanupLoop expires registrations whose heartbeat outlived the TTL.
// Loop errors are logged, never fatal.
func (r *Registry) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.CleanupExpired()
		}
	}
}

// CleanupExpired removes every registration past its TTL, emitting
// EXPIRED with the same teardown as deregister. Returns the expired ids.
func (r *Registry) CleanupExpired() []string {
	now := r.clk.Now()

	r.mu.Lock()
	var expired []Registration
	for id, st := range r.services {
		if st.reg.ExpiredAt(now) {
			expired = append(expired, st.reg)
			delete(r.services, id)
		}
	}
	metrics.ServicesRegistered.Set(float64(len(r.services)))
	r.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, reg := range expired {
		id := reg.Instance.ID
		ids = append(ids, id)
		if r.store != nil {
			if err := r.store.DeleteService(id); err != nil {
				r.log.Error("delete expired service row", "id", id, "error", err)
			}
			if err := r.store.DeleteDependencies(id); err != nil {
				r.log.Error("delete expired dependency rows", "id", id, "error", err)
			}
		}
		age := now.Sub(reg.LastHeartbeat)
		r.emit(EventExpired, id, reg.Instance.Name, map[string]string{"heartbeat_age": age.String()})
		r.log.Warn("expired stale registration", "id", id, "name", reg.Instance.Name, "heartbeat_age", age)
	}
	return ids
}
