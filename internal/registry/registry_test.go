package registry

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaycore/relay/internal/clock"
	"github.com/relaycore/relay/internal/fault"
	"github.com/relaycore/relay/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRegistry(t *testing.T, cfg Config, clk clock.Clock) *Registry {
	t.Helper()
	return New(cfg, clk, testStore(t), testLogger())
}

func inst(name, host string, port int) ServiceInstance {
	return ServiceInstance{Name: name, Host: host, Port: port}
}

func TestRegisterValidates(t *testing.T) {
	r := testRegistry(t, Config{}, clock.Real{})

	cases := []struct {
		name string
		in   ServiceInstance
	}{
		{"missing name", inst("", "10.0.0.1", 80)},
		{"missing host", inst("api", "", 80)},
		{"bad port", inst("api", "10.0.0.1", 0)},
		{"port too high", inst("api", "10.0.0.1", 70000)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.Register(tc.in, nil); fault.KindOf(err) != fault.KindValidation {
				t.Errorf("want validation error, got %v", err)
			}
		})
	}
}

func TestRegisterDiscoverDeregister(t *testing.T) {
	r := testRegistry(t, Config{}, clock.Real{})

	id, err := r.Register(inst("api", "10.0.0.1", 8080), nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated id")
	}

	reg, ok := r.Get(id)
	if !ok {
		t.Fatal("registration not found")
	}
	if reg.Status != StatusStarting {
		t.Errorf("new registration status = %s, want %s", reg.Status, StatusStarting)
	}
	if reg.Instance.Weight != 1 {
		t.Errorf("default weight = %d, want 1", reg.Instance.Weight)
	}

	// STARTING instances are discoverable by default.
	if got := r.Discover("api", DiscoverOptions{}); len(got) != 1 {
		t.Fatalf("discover returned %d instances, want 1", len(got))
	}

	if err := r.Deregister(id, "shutdown"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if got := r.Discover("api", DiscoverOptions{}); len(got) != 0 {
		t.Errorf("discover after deregister returned %d instances", len(got))
	}
	if err := r.Deregister(id, "again"); fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("double deregister: want not-found, got %v", err)
	}
}

func TestDiscoverOrderingAndTags(t *testing.T) {
	r := testRegistry(t, Config{}, clock.Real{})

	heavy := ServiceInstance{ID: "b", Name: "api", Host: "10.0.0.2", Port: 80, Weight: 5, Tags: []string{"edge", "v2"}}
	light := ServiceInstance{ID: "a", Name: "api", Host: "10.0.0.1", Port: 80, Weight: 1, Tags: []string{"edge"}}
	tied := ServiceInstance{ID: "c", Name: "api", Host: "10.0.0.3", Port: 80, Weight: 5}
	for _, in := range []ServiceInstance{light, heavy, tied} {
		if _, err := r.Register(in, nil); err != nil {
			t.Fatalf("register %s: %v", in.ID, err)
		}
	}

	got := r.Discover("api", DiscoverOptions{})
	wantOrder := []string{"b", "c", "a"} // weight desc, id tie-break
	if len(got) != len(wantOrder) {
		t.Fatalf("discover returned %d instances, want %d", len(got), len(wantOrder))
	}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, id)
		}
	}

	tagged := r.Discover("api", DiscoverOptions{Tags: []string{"edge", "v2"}})
	if len(tagged) != 1 || tagged[0].ID != "b" {
		t.Errorf("tag filter returned %v, want just b", tagged)
	}
}

func TestHeartbeatRecoversUnhealthy(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := testRegistry(t, Config{RecoveryThreshold: 1}, clk)

	id, err := r.Register(inst("api", "10.0.0.1", 80), nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Force UNHEALTHY the way the prober would.
	r.mu.Lock()
	r.services[id].reg.Status = StatusUnhealthy
	r.mu.Unlock()

	if err := r.Heartbeat(id); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	reg, _ := r.Get(id)
	if reg.Status != StatusHealthy {
		t.Errorf("status after recovery heartbeat = %s, want %s", reg.Status, StatusHealthy)
	}

	if err := r.Heartbeat("nope"); fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("heartbeat for unknown id: want not-found, got %v", err)
	}
}

// faultyStore flips SaveService into a failure mode so the
// persist-before-mutate ordering can be exercised.
type faultyStore struct {
	*store.Store
	failSaves atomic.Bool
}

func (f *faultyStore) SaveService(id string, data []byte) error {
	if f.failSaves.Load() {
		return errors.New("disk full")
	}
	return f.Store.SaveService(id, data)
}

func TestHeartbeatAbortsOnStoreFailure(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fs := &faultyStore{Store: testStore(t)}
	r := New(Config{}, clk, fs, testLogger())

	id, err := r.Register(inst("api", "10.0.0.1", 80), nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	before, _ := r.Get(id)

	clk.Advance(time.Minute)
	fs.failSaves.Store(true)
	if err := r.Heartbeat(id); fault.KindOf(err) != fault.KindInternal {
		t.Fatalf("Heartbeat with failing store = %v, want internal error", err)
	}
	after, _ := r.Get(id)
	if !after.LastHeartbeat.Equal(before.LastHeartbeat) {
		t.Errorf("LastHeartbeat advanced to %s despite store failure", after.LastHeartbeat)
	}
	if after.Status != before.Status {
		t.Errorf("status changed %s -> %s despite store failure", before.Status, after.Status)
	}

	fs.failSaves.Store(false)
	if err := r.Heartbeat(id); err != nil {
		t.Fatalf("Heartbeat after store recovery: %v", err)
	}
	after, _ = r.Get(id)
	if !after.LastHeartbeat.After(before.LastHeartbeat) {
		t.Errorf("LastHeartbeat did not advance after store recovery")
	}
}

func TestUpdateMergesPatch(t *testing.T) {
	r := testRegistry(t, Config{}, clock.Real{})

	in := inst("api", "10.0.0.1", 80)
	in.Metadata = map[string]string{"zone": "a", "tier": "web"}
	id, err := r.Register(in, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	version := "2.1.0"
	weight := 7
	err = r.Update(id, Patch{
		Metadata: map[string]string{"zone": "b", "canary": "true"},
		Version:  &version,
		Weight:   &weight,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	reg, _ := r.Get(id)
	if reg.Instance.Metadata["zone"] != "b" || reg.Instance.Metadata["tier"] != "web" || reg.Instance.Metadata["canary"] != "true" {
		t.Errorf("metadata merge wrong: %v", reg.Instance.Metadata)
	}
	if reg.Instance.Version != "2.1.0" || reg.Instance.Weight != 7 {
		t.Errorf("version/weight not applied: %s %d", reg.Instance.Version, reg.Instance.Weight)
	}

	if err := r.Update("nope", Patch{}); fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("update unknown id: want not-found, got %v", err)
	}
}

// A registration with ttl=2s and a single heartbeat at t=0 must be gone
// by t=5s, with exactly one expired event for it.
func TestCleanupExpiresStaleRegistrations(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	r := testRegistry(t, Config{ServiceTTL: 2 * time.Second}, clk)

	id, err := r.Register(ServiceInstance{ID: "svc1", Name: "svc1", Host: "10.0.0.1", Port: 80}, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Heartbeat(id); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	clk.Advance(1 * time.Second)
	if expired := r.CleanupExpired(); len(expired) != 0 {
		t.Fatalf("expired %v inside the TTL window", expired)
	}

	clk.Advance(4 * time.Second)
	expired := r.CleanupExpired()
	if len(expired) != 1 || expired[0] != "svc1" {
		t.Fatalf("expired = %v, want [svc1]", expired)
	}
	if got := r.Discover("svc1", DiscoverOptions{IncludeUnhealthy: true}); len(got) != 0 {
		t.Errorf("expired service still discoverable: %v", got)
	}

	evs := r.Events(EventQuery{Type: EventExpired})
	if len(evs) != 1 || evs[0].ServiceID != "svc1" {
		t.Errorf("expired events = %v, want one for svc1", evs)
	}
}

func TestProbeThresholds(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := testRegistry(t, Config{FailureThreshold: 3, RecoveryThreshold: 1}, clock.Real{})
	in := inst("api", "10.0.0.1", 80)
	in.HealthURL = srv.URL + "/health"
	id, err := r.Register(in, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := t.Context()

	// One passing probe moves STARTING to HEALTHY.
	healthy.Store(true)
	r.probeAll(ctx)
	if reg, _ := r.Get(id); reg.Status != StatusHealthy {
		t.Fatalf("status after passing probe = %s, want %s", reg.Status, StatusHealthy)
	}

	// Two failures are not enough; the third flips to UNHEALTHY.
	healthy.Store(false)
	r.probeAll(ctx)
	r.probeAll(ctx)
	if reg, _ := r.Get(id); reg.Status != StatusHealthy {
		t.Fatalf("status flipped after only two failures: %s", reg.Status)
	}
	r.probeAll(ctx)
	if reg, _ := r.Get(id); reg.Status != StatusUnhealthy {
		t.Fatalf("status after three failures = %s, want %s", reg.Status, StatusUnhealthy)
	}

	// A single success recovers.
	healthy.Store(true)
	r.probeAll(ctx)
	if reg, _ := r.Get(id); reg.Status != StatusHealthy {
		t.Errorf("status after recovery probe = %s, want %s", reg.Status, StatusHealthy)
	}

	evs := r.Events(EventQuery{Type: EventHealthChanged})
	if len(evs) != 3 {
		t.Errorf("health_changed events = %d, want 3", len(evs))
	}
}

func TestEventsQueryAndWatch(t *testing.T) {
	r := testRegistry(t, Config{}, clock.Real{})

	var watched []Event
	r.Watch("api", func(ev Event) { watched = append(watched, ev) })
	r.Watch("api", func(Event) { panic("bad watcher") }) // must not break emit
	var allCount int
	r.Watch("", func(Event) { allCount++ })

	idA, _ := r.Register(inst("api", "10.0.0.1", 80), nil)
	_, _ = r.Register(inst("db", "10.0.0.2", 5432), nil)
	_ = r.Deregister(idA, "test")

	if len(watched) != 2 { // register + deregister for api
		t.Errorf("api watcher saw %d events, want 2", len(watched))
	}
	if allCount != 3 {
		t.Errorf("catch-all watcher saw %d events, want 3", allCount)
	}

	all := r.Events(EventQuery{})
	if len(all) != 3 {
		t.Fatalf("events = %d, want 3", len(all))
	}
	// Newest first.
	if all[0].Type != EventDeregistered || all[2].Type != EventRegistered {
		t.Errorf("event order wrong: %s ... %s", all[0].Type, all[2].Type)
	}

	regs := r.Events(EventQuery{Type: EventRegistered})
	if len(regs) != 2 {
		t.Errorf("registered events = %d, want 2", len(regs))
	}

	// SinceID stops the backward walk at the named event.
	since := r.Events(EventQuery{SinceID: all[1].ID})
	if len(since) != 1 || since[0].ID != all[0].ID {
		t.Errorf("since query returned %d events", len(since))
	}

	if limited := r.Events(EventQuery{Limit: 1}); len(limited) != 1 {
		t.Errorf("limit=1 returned %d events", len(limited))
	}
}

func TestGetHealthJoinsDependencies(t *testing.T) {
	r := testRegistry(t, Config{}, clock.Real{})

	dbID, _ := r.Register(ServiceInstance{ID: "db-1", Name: "db", Host: "10.0.0.2", Port: 5432}, nil)
	apiID, _ := r.Register(inst("api", "10.0.0.1", 80), []string{dbID, "ghost"})

	snap, err := r.GetHealth(apiID)
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	if snap.ServiceName != "api" {
		t.Errorf("service name = %s", snap.ServiceName)
	}
	if snap.Dependencies[dbID] != StatusStarting {
		t.Errorf("dependency status = %s, want %s", snap.Dependencies[dbID], StatusStarting)
	}
	if snap.Dependencies["ghost"] != StatusUnknown {
		t.Errorf("missing dependency status = %s, want %s", snap.Dependencies["ghost"], StatusUnknown)
	}

	if _, err := r.GetHealth("nope"); fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("get health unknown id: want not-found, got %v", err)
	}
}

func TestPersistenceRestore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	r := New(Config{}, clock.Real{}, s, testLogger())
	id, err := r.Register(inst("api", "10.0.0.1", 8080), nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	s2, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s2.Close()

	r2 := New(Config{}, clock.Real{}, s2, testLogger())
	reg, ok := r2.Get(id)
	if !ok {
		t.Fatal("registration lost across restart")
	}
	if reg.Instance.Name != "api" || reg.Instance.Port != 8080 {
		t.Errorf("restored registration wrong: %+v", reg.Instance)
	}
}

// Register followed by discover must return the registered instance
// unchanged, for arbitrary metadata and tags.
func TestRegisterDiscoverRoundTrip(t *testing.T) {
	r := New(Config{}, clock.Real{}, nil, testLogger()) // memory-only

	in := ServiceInstance{
		ID:       "pin",
		Name:     "search",
		Host:     "search-3.internal",
		Port:     9200,
		Metadata: map[string]string{"shard": "7", "zone": "eu-1"},
		Tags:     []string{"replica", "warm"},
		Version:  "8.4.1",
		Weight:   3,
	}
	if _, err := r.Register(in, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	got := r.Discover("search", DiscoverOptions{})
	if len(got) != 1 {
		t.Fatalf("discover returned %d instances", len(got))
	}
	out := got[0]
	if out.ID != in.ID || out.Host != in.Host || out.Port != in.Port ||
		out.Version != in.Version || out.Weight != in.Weight {
		t.Errorf("instance mutated in round trip: %+v", out)
	}
	for k, v := range in.Metadata {
		if out.Metadata[k] != v {
			t.Errorf("metadata[%s] = %s, want %s", k, out.Metadata[k], v)
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	r := testRegistry(t, Config{
		HealthCheckInterval: 10 * time.Millisecond,
		CleanupInterval:     10 * time.Millisecond,
	}, clock.Real{})

	ctx := t.Context()
	r.Start(ctx)
	r.Start(ctx) // no-op
	if !r.Running() {
		t.Fatal("registry not running after Start")
	}
	r.Stop()
	r.Stop() // no-op
	if r.Running() {
		t.Error("registry still running after Stop")
	}
}
