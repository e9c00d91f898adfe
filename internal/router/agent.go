package router

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/relay/internal/clock"
	"github.com/relaycore/relay/internal/events"
	"github.com/relaycore/relay/internal/fault"
)

// AgentState is an agent's liveness state.
type AgentState string

const (
	AgentOnline  AgentState = "online"
	AgentOffline AgentState = "offline"
	AgentBusy    AgentState = "busy"
	AgentIdle    AgentState = "idle"
	AgentError   AgentState = "error"
)

// Agent is a message-consuming participant on the fabric.
type Agent struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities,omitempty"`
	State        AgentState        `json:"state"`
	LastSeen     time.Time         `json:"last_seen"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// HasCapability reports whether the agent advertises a capability.
func (a *Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// AgentRegistry tracks agents, their capabilities, and liveness. Agent
// names are unique; ids are assigned at registration.
type AgentRegistry struct {
	clk    clock.Clock
	bus    *events.Bus
	window time.Duration // liveness window for isOnline

	mu     sync.RWMutex
	byID   map[string]*Agent
	byName map[string]string // name -> id
}

// NewAgentRegistry creates an AgentRegistry. A zero window defaults to
// five minutes.
func NewAgentRegistry(window time.Duration, clk clock.Clock, bus *events.Bus) *AgentRegistry {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &AgentRegistry{
		clk:    clk,
		bus:    bus,
		window: window,
		byID:   make(map[string]*Agent),
		byName: make(map[string]string),
	}
}

// Register adds an agent. The name must not be taken by another agent.
func (r *AgentRegistry) Register(a Agent) (Agent, error) {
	if a.Name == "" {
		return Agent{}, fault.New(fault.KindValidation, "agent name is required")
	}
	now := r.clk.Now()

	r.mu.Lock()
	if existingID, taken := r.byName[a.Name]; taken && existingID != a.ID {
		r.mu.Unlock()
		return Agent{}, fault.New(fault.KindConflict, "agent name %q is already registered", a.Name)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.State = AgentOnline
	a.LastSeen = now
	stored := a
	r.byID[a.ID] = &stored
	r.byName[a.Name] = a.ID
	r.mu.Unlock()

	r.publish(events.TypeAgentOnline, a.ID, a.Name)
	return a, nil
}

// Deregister removes an agent by id.
func (r *AgentRegistry) Deregister(id string) error {
	r.mu.Lock()
	a, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fault.New(fault.KindNotFound, "agent %s is not registered", id)
	}
	delete(r.byID, id)
	delete(r.byName, a.Name)
	name := a.Name
	r.mu.Unlock()

	r.publish(events.TypeAgentOffline, id, name)
	return nil
}

// SetState moves an agent to a new liveness state and refreshes its
// last-seen timestamp.
func (r *AgentRegistry) SetState(id string, state AgentState) error {
	switch state {
	case AgentOnline, AgentOffline, AgentBusy, AgentIdle, AgentError:
	default:
		return fault.New(fault.KindValidation, "unknown agent state %q", state)
	}

	r.mu.Lock()
	a, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fault.New(fault.KindNotFound, "agent %s is not registered", id)
	}
	prev := a.State
	a.State = state
	a.LastSeen = r.clk.Now()
	name := a.Name
	r.mu.Unlock()

	if prev != state {
		switch state {
		case AgentOnline:
			r.publish(events.TypeAgentOnline, id, name)
		case AgentOffline:
			r.publish(events.TypeAgentOffline, id, name)
		}
	}
	return nil
}

// Touch refreshes an agent's last-seen timestamp.
func (r *AgentRegistry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return fault.New(fault.KindNotFound, "agent %s is not registered", id)
	}
	a.LastSeen = r.clk.Now()
	return nil
}

// Get returns an agent by id.
func (r *AgentRegistry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// GetByName returns an agent by its unique name.
func (r *AgentRegistry) GetByName(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return Agent{}, false
	}
	return *r.byID[id], true
}

// isOnlineLocked applies the liveness rule: ONLINE state and a
// last-seen timestamp within the window.
func (r *AgentRegistry) isOnlineLocked(a *Agent, now time.Time) bool {
	return a.State == AgentOnline && now.Sub(a.LastSeen) <= r.window
}

// Online returns all currently-online agents, id-sorted for
// deterministic fan-out.
func (r *AgentRegistry) Online() []Agent {
	now := r.clk.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Agent
	for _, a := range r.byID {
		if r.isOnlineLocked(a, now) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnlineWithCapability returns online agents advertising a capability.
func (r *AgentRegistry) OnlineWithCapability(capability string) []Agent {
	all := r.Online()
	out := all[:0]
	for _, a := range all {
		if a.HasCapability(capability) {
			out = append(out, a)
		}
	}
	return out
}

// All returns every registered agent, id-sorted.
func (r *AgentRegistry) All() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *AgentRegistry) publish(typ events.Type, id, name string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:      typ,
		Recipient: id,
		Timestamp: r.clk.Now(),
		Details:   map[string]any{"agent_name": name},
	})
}
