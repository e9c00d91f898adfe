package router

import (
	"testing"
	"time"

	"github.com/relaycore/relay/internal/clock"
	"github.com/relaycore/relay/internal/events"
	"github.com/relaycore/relay/internal/fault"
	"github.com/relaycore/relay/internal/queue"
)

// captureQueue records enqueued messages without a real queue behind it.
type captureQueue struct {
	msgs    []*queue.Message
	failFor map[string]bool // recipient -> force enqueue failure
}

func (c *captureQueue) Enqueue(m *queue.Message) error {
	if c.failFor[m.Recipient] {
		return fault.New(fault.KindUnavailable, "queue full")
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func testSetup(clk clock.Clock) (*AgentRegistry, *Router, *captureQueue) {
	agents := NewAgentRegistry(5*time.Minute, clk, events.New())
	q := &captureQueue{failFor: make(map[string]bool)}
	return agents, New(agents, q), q
}

func msg(content string) *queue.Message {
	return &queue.Message{ID: "m-" + content, Sender: "origin", Content: content, Priority: queue.PriorityMedium}
}

func TestAgentRegistryUniqueNames(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	agents, _, _ := testSetup(clk)

	a, err := agents.Register(Agent{Name: "reviewer"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := agents.Register(Agent{Name: "reviewer"}); fault.KindOf(err) != fault.KindConflict {
		t.Errorf("duplicate name: want conflict, got %v", err)
	}
	// Re-registering the same agent id under its own name is fine.
	if _, err := agents.Register(Agent{ID: a.ID, Name: "reviewer"}); err != nil {
		t.Errorf("re-register same id: %v", err)
	}
	if _, err := agents.Register(Agent{}); fault.KindOf(err) != fault.KindValidation {
		t.Errorf("empty name: want validation, got %v", err)
	}
}

func TestOnlineAppliesLivenessWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	agents, _, _ := testSetup(clk)

	stale, _ := agents.Register(Agent{Name: "stale"})
	fresh, _ := agents.Register(Agent{Name: "fresh"})

	clk.Advance(6 * time.Minute)
	if err := agents.Touch(fresh.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}

	online := agents.Online()
	if len(online) != 1 || online[0].ID != fresh.ID {
		t.Fatalf("online = %v, want just fresh", online)
	}

	// A state change refreshes last-seen, bringing the agent back.
	if err := agents.SetState(stale.ID, AgentOnline); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if len(agents.Online()) != 2 {
		t.Error("touched agent still offline")
	}

	// Non-ONLINE states are never online regardless of recency.
	_ = agents.SetState(stale.ID, AgentBusy)
	if len(agents.Online()) != 1 {
		t.Error("busy agent counted as online")
	}
}

func TestRouteDirectToNamedAgent(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	agents, r, q := testSetup(clk)
	a, _ := agents.Register(Agent{Name: "reviewer"})

	m := msg("please review")
	m.Recipient = "reviewer" // by name
	res, err := r.Route(m)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.AgentID != a.ID || res.Rule != "" {
		t.Errorf("result = %+v", res)
	}
	if len(q.msgs) != 1 || q.msgs[0].Recipient != a.ID {
		t.Errorf("recipient not rewritten to agent id: %+v", q.msgs)
	}

	m2 := msg("direct by id")
	m2.Recipient = a.ID
	if _, err := r.Route(m2); err != nil {
		t.Errorf("route by id: %v", err)
	}

	m3 := msg("ghost")
	m3.Recipient = "nobody"
	if _, err := r.Route(m3); fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("unknown recipient: want not-found, got %v", err)
	}
}

func TestRuleMatchingOrderAndBoost(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	agents, r, q := testSetup(clk)
	qa, _ := agents.Register(Agent{Name: "qa-1", Capabilities: []string{"quality"}})
	_, _ = agents.Register(Agent{Name: "doc-1", Capabilities: []string{"documentation"}})

	critical := queue.PriorityCritical
	if err := r.AddRule(Rule{
		Name:             "reviews-to-qa",
		Match:            Match{ContentContains: "review"},
		TargetCapability: "quality",
		LoadBalance:      true,
		PriorityBoost:    &critical,
	}); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	if err := r.AddRule(Rule{
		Name:             "catch-all-docs",
		TargetCapability: "documentation",
		LoadBalance:      true,
	}); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	if err := r.AddRule(Rule{Name: "reviews-to-qa", TargetCapability: "quality"}); fault.KindOf(err) != fault.KindConflict {
		t.Errorf("duplicate rule name: want conflict, got %v", err)
	}
	if err := r.AddRule(Rule{Name: "no-target"}); fault.KindOf(err) != fault.KindValidation {
		t.Errorf("targetless rule: want validation, got %v", err)
	}

	res, err := r.Route(msg("code review needed"))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.AgentID != qa.ID || res.Rule != "reviews-to-qa" {
		t.Errorf("result = %+v, want qa via reviews-to-qa", res)
	}
	if q.msgs[0].Priority != queue.PriorityCritical {
		t.Errorf("priority boost not applied: %s", q.msgs[0].Priority)
	}

	// The second rule matches everything else.
	res2, err := r.Route(msg("update the changelog"))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res2.Rule != "catch-all-docs" || res2.AgentName != "doc-1" {
		t.Errorf("result = %+v, want doc-1 via catch-all-docs", res2)
	}
}

func TestBoostNeverLowersPriority(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	agents, r, q := testSetup(clk)
	_, _ = agents.Register(Agent{Name: "qa-1", Capabilities: []string{"quality"}})

	low := queue.PriorityLow
	_ = r.AddRule(Rule{Name: "demote", TargetCapability: "quality", LoadBalance: true, PriorityBoost: &low})

	m := msg("urgent thing")
	m.Priority = queue.PriorityHigh
	if _, err := r.Route(m); err != nil {
		t.Fatalf("route: %v", err)
	}
	if q.msgs[0].Priority != queue.PriorityHigh {
		t.Errorf("boost lowered priority to %s", q.msgs[0].Priority)
	}
}

func TestFallbackToAllOnlineAgents(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	agents, r, _ := testSetup(clk)

	if _, err := r.Route(msg("into the void")); fault.KindOf(err) != fault.KindUnavailable {
		t.Fatalf("no agents: want unavailable, got %v", err)
	}

	a, _ := agents.Register(Agent{Name: "generalist"})
	res, err := r.Route(msg("anyone home"))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.AgentID != a.ID || res.Rule != "" {
		t.Errorf("fallback result = %+v", res)
	}
}

func TestLeastLoadedSpreadsAssignments(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	agents, r, _ := testSetup(clk)
	a1, _ := agents.Register(Agent{Name: "w1", Capabilities: []string{"work"}})
	a2, _ := agents.Register(Agent{Name: "w2", Capabilities: []string{"work"}})
	a3, _ := agents.Register(Agent{Name: "w3", Capabilities: []string{"work"}})
	_ = r.AddRule(Rule{Name: "spread", TargetCapability: "work", LoadBalance: true})

	counts := map[string]int{}
	for i := 0; i < 9; i++ {
		res, err := r.Route(msg("job"))
		if err != nil {
			t.Fatalf("route %d: %v", i, err)
		}
		counts[res.AgentID]++
	}
	for _, a := range []Agent{a1, a2, a3} {
		if counts[a.ID] != 3 {
			t.Fatalf("assignment spread %v, want 3 each", counts)
		}
	}

	// Completing a2's work makes it strictly least loaded.
	r.Complete(a2.ID)
	res, _ := r.Route(msg("one more"))
	if res.AgentID != a2.ID {
		t.Errorf("route went to %s, want least-loaded %s", res.AgentName, a2.Name)
	}
	if got := r.Assignments()[a2.ID]; got != 3 {
		t.Errorf("a2 assignments = %d, want 3", got)
	}
}

func TestBroadcastExplicitAndAll(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	agents, r, q := testSetup(clk)
	_, _ = agents.Register(Agent{Name: "w1"})
	a2, _ := agents.Register(Agent{Name: "w2"})
	_, _ = agents.Register(Agent{Name: "w3"})

	res, err := r.Broadcast(&queue.BroadcastMessage{
		Sender:     "origin",
		Content:    "targeted",
		Recipients: []string{"w1", a2.ID, "nobody"},
	})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(res.Delivered) != 2 {
		t.Errorf("delivered = %v, want w1 and w2", res.Delivered)
	}
	if res.Failed["nobody"] == "" {
		t.Errorf("unknown recipient not reported: %+v", res.Failed)
	}
	for _, m := range q.msgs {
		if m.Metadata[queue.MetaBroadcastID] != res.BroadcastID {
			t.Errorf("fan-out message missing broadcast id: %+v", m.Metadata)
		}
	}

	// Empty recipient set fans out to every online agent.
	q.msgs = nil
	all, err := r.Broadcast(&queue.BroadcastMessage{Sender: "origin", Content: "everyone"})
	if err != nil {
		t.Fatalf("broadcast all: %v", err)
	}
	if len(all.Delivered) != 3 || len(q.msgs) != 3 {
		t.Errorf("fan-out reached %d agents, want 3", len(all.Delivered))
	}

	if _, err := r.Broadcast(&queue.BroadcastMessage{Content: "no sender"}); fault.KindOf(err) != fault.KindValidation {
		t.Errorf("invalid broadcast: want validation, got %v", err)
	}
}

func TestBroadcastPartialFailureContinues(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	agents, r, q := testSetup(clk)
	a1, _ := agents.Register(Agent{Name: "w1"})
	a2, _ := agents.Register(Agent{Name: "w2"})
	q.failFor[a1.ID] = true

	res, err := r.Broadcast(&queue.BroadcastMessage{Sender: "origin", Content: "hi"})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(res.Delivered) != 1 || res.Delivered[0] != a2.ID {
		t.Errorf("delivered = %v, want just w2", res.Delivered)
	}
	if res.Failed[a1.ID] == "" {
		t.Errorf("enqueue failure not reported: %+v", res.Failed)
	}
}
