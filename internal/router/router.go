// Package router brokers agent-to-agent messages: it resolves each
// message to the best online recipient through ordered routing rules,
// balances load across equivalent agents, and expands broadcasts.
package router

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/relaycore/relay/internal/fault"
	"github.com/relaycore/relay/internal/queue"
)

// Enqueuer is the queue surface the router needs.
type Enqueuer interface {
	Enqueue(msg *queue.Message) error
}

// Match is the predicate half of a routing rule. Empty fields match
// everything; set fields must all hold.
type Match struct {
	ContentContains string          `json:"content_contains,omitempty"`
	Sender          string          `json:"sender,omitempty"`
	Priority        *queue.Priority `json:"priority,omitempty"`
}

func (m *Match) matches(msg *queue.Message) bool {
	if m.ContentContains != "" && !strings.Contains(msg.Content, m.ContentContains) {
		return false
	}
	if m.Sender != "" && m.Sender != msg.Sender {
		return false
	}
	if m.Priority != nil && *m.Priority != msg.Priority {
		return false
	}
	return true
}

// Rule routes matching messages toward a capability or an explicit
// agent set. Rules are evaluated in order; the first match wins.
type Rule struct {
	Name             string          `json:"name"`
	Match            Match           `json:"match"`
	TargetCapability string          `json:"target_capability,omitempty"`
	TargetAgents     []string        `json:"target_agents,omitempty"`
	LoadBalance      bool            `json:"load_balance"`
	PriorityBoost    *queue.Priority `json:"priority_boost,omitempty"`
}

// Validate rejects rules that could never route anything.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fault.New(fault.KindValidation, "rule name is required")
	}
	if r.TargetCapability == "" && len(r.TargetAgents) == 0 {
		return fault.New(fault.KindValidation, "rule %s targets neither a capability nor agents", r.Name)
	}
	return nil
}

// RouteResult reports where a message went.
type RouteResult struct {
	MessageID string `json:"message_id"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Rule      string `json:"rule,omitempty"` // empty when the fallback applied
}

// BroadcastResult reports a fan-out's outcome. Partial failures do not
// abort the fan-out.
type BroadcastResult struct {
	BroadcastID string            `json:"broadcast_id"`
	Delivered   []string          `json:"delivered"`
	Failed      map[string]string `json:"failed,omitempty"`
}

// Router resolves recipients for messages and hands them to the queue.
type Router struct {
	agents *AgentRegistry
	q      Enqueuer

	mu          sync.Mutex
	rules       []Rule
	assignments map[string]int64 // outstanding messages per agent id
	rr          uint64           // round-robin tie-break cursor
}

// New creates a Router over an agent registry and a queue.
func New(agents *AgentRegistry, q Enqueuer) *Router {
	return &Router{
		agents:      agents,
		q:           q,
		assignments: make(map[string]int64),
	}
}

// AddRule appends a rule to the evaluation order.
func (r *Router) AddRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rules {
		if existing.Name == rule.Name {
			return fault.New(fault.KindConflict, "rule %s already exists", rule.Name)
		}
	}
	r.rules = append(r.rules, rule)
	return nil
}

// RemoveRule deletes a rule by name.
func (r *Router) RemoveRule(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rule := range r.rules {
		if rule.Name == name {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			return nil
		}
	}
	return fault.New(fault.KindNotFound, "rule %s not found", name)
}

// Rules returns the rules in evaluation order.
func (r *Router) Rules() []Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Rule(nil), r.rules...)
}

// Route resolves a message's recipient and enqueues it. A message
// addressed to a known agent name or id goes there directly; otherwise
// the rules pick a candidate set and the least-loaded online candidate
// wins, ties broken round-robin. With no matching rule the fallback
// candidate set is every online agent.
func (r *Router) Route(msg *queue.Message) (RouteResult, error) {
	if msg.Recipient != "" {
		if agent, ok := r.resolveAgent(msg.Recipient); ok {
			msg.Recipient = agent.ID
			if err := r.enqueueAssigned(msg, agent.ID); err != nil {
				return RouteResult{}, err
			}
			return RouteResult{MessageID: msg.ID, AgentID: agent.ID, AgentName: agent.Name}, nil
		}
		return RouteResult{}, fault.New(fault.KindNotFound, "recipient %s is not a registered agent", msg.Recipient)
	}

	candidates, rule := r.resolveCandidates(msg)
	if len(candidates) == 0 {
		return RouteResult{}, fault.New(fault.KindUnavailable, "no online agents can receive this message")
	}

	// A non-load-balancing rule takes the first candidate in rule order;
	// everything else spreads by outstanding assignment count.
	chosen := candidates[0]
	if rule == nil || rule.LoadBalance {
		chosen = r.pickLeastLoaded(candidates)
	}
	if rule != nil && rule.PriorityBoost != nil && rule.PriorityBoost.Weight() > msg.Priority.Weight() {
		msg.Priority = *rule.PriorityBoost
	}

	msg.Recipient = chosen.ID
	if err := r.enqueueAssigned(msg, chosen.ID); err != nil {
		return RouteResult{}, err
	}
	res := RouteResult{MessageID: msg.ID, AgentID: chosen.ID, AgentName: chosen.Name}
	if rule != nil {
		res.Rule = rule.Name
	}
	return res, nil
}

// resolveAgent accepts either an agent id or a unique agent name.
func (r *Router) resolveAgent(ref string) (Agent, bool) {
	if a, ok := r.agents.Get(ref); ok {
		return a, true
	}
	return r.agents.GetByName(ref)
}

// resolveCandidates runs the rule chain and returns the online
// candidate set plus the matched rule, or all online agents when no
// rule matches.
func (r *Router) resolveCandidates(msg *queue.Message) ([]Agent, *Rule) {
	r.mu.Lock()
	rules := append([]Rule(nil), r.rules...)
	r.mu.Unlock()

	for i := range rules {
		rule := &rules[i]
		if !rule.Match.matches(msg) {
			continue
		}
		if len(rule.TargetAgents) > 0 {
			var out []Agent
			for _, ref := range rule.TargetAgents {
				if a, ok := r.resolveAgent(ref); ok && r.isOnline(a.ID) {
					out = append(out, a)
				}
			}
			return out, rule
		}
		return r.agents.OnlineWithCapability(rule.TargetCapability), rule
	}
	return r.agents.Online(), nil
}

func (r *Router) isOnline(id string) bool {
	for _, a := range r.agents.Online() {
		if a.ID == id {
			return true
		}
	}
	return false
}

// pickLeastLoaded selects the candidate with the fewest outstanding
// assignments, breaking ties round-robin over the tied set.
func (r *Router) pickLeastLoaded(candidates []Agent) Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	least := r.assignments[candidates[0].ID]
	for _, a := range candidates[1:] {
		if n := r.assignments[a.ID]; n < least {
			least = n
		}
	}
	var tied []Agent
	for _, a := range candidates {
		if r.assignments[a.ID] == least {
			tied = append(tied, a)
		}
	}
	chosen := tied[r.rr%uint64(len(tied))]
	r.rr++
	return chosen
}

func (r *Router) enqueueAssigned(msg *queue.Message, agentID string) error {
	if err := r.q.Enqueue(msg); err != nil {
		return err
	}
	r.mu.Lock()
	r.assignments[agentID]++
	r.mu.Unlock()
	return nil
}

// Complete releases one outstanding assignment for an agent, typically
// on acknowledgement.
func (r *Router) Complete(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.assignments[agentID] > 0 {
		r.assignments[agentID]--
	}
}

// Assignments returns the outstanding per-agent assignment counts.
func (r *Router) Assignments() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.assignments))
	for id, n := range r.assignments {
		out[id] = n
	}
	return out
}

// Broadcast expands a broadcast to its recipients and enqueues each
// fan-out message. Explicit recipients are resolved as agent refs; an
// empty set fans out to every online agent. Per-recipient failures are
// collected, not fatal.
func (r *Router) Broadcast(b *queue.BroadcastMessage) (BroadcastResult, error) {
	if b.Sender == "" || b.Content == "" {
		return BroadcastResult{}, fault.New(fault.KindValidation, "broadcast sender and content are required")
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}

	var targets []string
	failed := make(map[string]string)
	if len(b.Recipients) > 0 {
		for _, ref := range b.Recipients {
			a, ok := r.resolveAgent(ref)
			if !ok {
				failed[ref] = "not a registered agent"
				continue
			}
			targets = append(targets, a.ID)
		}
	} else {
		for _, a := range r.agents.Online() {
			targets = append(targets, a.ID)
		}
	}
	if len(targets) == 0 && len(failed) == 0 {
		return BroadcastResult{}, fault.New(fault.KindUnavailable, "no agents to broadcast to")
	}

	res := BroadcastResult{BroadcastID: b.ID}
	for _, msg := range b.Expand(targets) {
		if err := r.enqueueAssigned(msg, msg.Recipient); err != nil {
			failed[msg.Recipient] = err.Error()
			continue
		}
		res.Delivered = append(res.Delivered, msg.Recipient)
	}
	if len(failed) > 0 {
		res.Failed = failed
	}
	return res, nil
}
