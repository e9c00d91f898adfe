package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaycore/relay/internal/balancer"
	"github.com/relaycore/relay/internal/fault"
	"github.com/relaycore/relay/internal/queue"
	"github.com/relaycore/relay/internal/ratelimit"
	"github.com/relaycore/relay/internal/registry"
	"github.com/relaycore/relay/internal/router"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.start).Round(time.Second).String(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

type serviceRegisterRequest struct {
	registry.ServiceInstance
	Dependencies []string `json:"dependencies,omitempty"`
}

func (s *Server) handleServiceRegister(w http.ResponseWriter, r *http.Request) {
	var req serviceRegisterRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.deps.Registry.Register(req.ServiceInstance, req.Dependencies)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"serviceId": id,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleServiceList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.All())
}

func (s *Server) handleServiceGet(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.deps.Registry.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, r, fault.New(fault.KindNotFound, "service %s not found", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleServiceDeregister(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.Deregister(r.PathValue("id"), "api request"); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (s *Server) handleServiceUpdate(w http.ResponseWriter, r *http.Request) {
	var patch registry.Patch
	if err := decodeBody(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Registry.Update(r.PathValue("id"), patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleServiceSubtree dispatches two-segment service paths: the
// literal discover and healthy prefixes, the status and health suffixes
// on a service id, and otherwise a proxied GET to the named service.
func (s *Server) handleServiceSubtree(w http.ResponseWriter, r *http.Request) {
	head, tail := r.PathValue("head"), r.PathValue("tail")
	switch {
	case head == "discover":
		r.SetPathValue("name", tail)
		s.handleServiceDiscover(w, r)
	case head == "healthy":
		r.SetPathValue("name", tail)
		s.handleServiceHealthy(w, r)
	case tail == "status":
		r.SetPathValue("id", head)
		s.handleServiceStatus(w, r)
	case tail == "health":
		r.SetPathValue("id", head)
		s.handleServiceHealth(w, r)
	default:
		r.SetPathValue("name", head)
		r.SetPathValue("rest", tail)
		s.handleProxy(w, r)
	}
}

func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reg, ok := s.deps.Registry.Get(id)
	if !ok {
		s.writeError(w, r, fault.New(fault.KindNotFound, "service %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        id,
		"status":    reg.Status,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Registry.GetHealth(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleServiceHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.Heartbeat(r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleServiceDiscover(w http.ResponseWriter, r *http.Request) {
	opts := registry.DiscoverOptions{}
	if v := r.URL.Query().Get("healthy_only"); v != "" {
		healthy, _ := strconv.ParseBool(v)
		opts.IncludeUnhealthy = !healthy
	}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		opts.Tags = strings.Split(tags, ",")
	}
	insts := s.deps.Registry.Discover(r.PathValue("name"), opts)
	writeJSON(w, http.StatusOK, map[string]any{
		"services":    insts,
		"total_count": len(insts),
	})
}

func (s *Server) handleServiceHealthy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	inst, err := s.deps.Balancer.Peek(name, balancer.PickOptions{ClientIP: clientIP(r)})
	if err != nil {
		s.writeError(w, r, fault.New(fault.KindNotFound, "no healthy instance of %s", name))
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleServiceEvents(w http.ResponseWriter, r *http.Request) {
	q := registry.EventQuery{
		SinceID: r.URL.Query().Get("since_id"),
		Type:    registry.EventType(r.URL.Query().Get("type")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}
	evts := s.deps.Registry.Events(q)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": evts,
		"count":  len(evts),
	})
}

type messageSendRequest struct {
	Recipient      string            `json:"recipient"`
	Content        string            `json:"content"`
	Sender         string            `json:"sender,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	ExpiresInHours float64           `json:"expires_in_hours,omitempty"`
	MaxAttempts    int               `json:"max_attempts,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// buildMessage fills the defaults an API caller may omit. The sender
// falls back to the authenticated owner.
func (s *Server) buildMessage(r *http.Request, req messageSendRequest) *queue.Message {
	now := time.Now().UTC()
	sender := req.Sender
	if sender == "" {
		if owner := authResult(r).OwnerID; owner != "" {
			sender = owner
		} else {
			sender = "api"
		}
	}
	ttl := s.cfg.MessageTTL
	if req.ExpiresInHours > 0 {
		ttl = time.Duration(req.ExpiresInHours * float64(time.Hour))
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxRetryAttempts
	}
	return &queue.Message{
		ID:          uuid.NewString(),
		Sender:      sender,
		Recipient:   req.Recipient,
		Content:     req.Content,
		Priority:    queue.ParsePriority(req.Priority),
		Status:      queue.StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		MaxAttempts: maxAttempts,
		Metadata:    req.Metadata,
	}
}

func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	var req messageSendRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg := s.buildMessage(r, req)
	res, err := s.deps.Router.Route(msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": res.MessageID,
		"status":     "queued",
		"recipient":  res.AgentName,
	})
}

type broadcastRequest struct {
	Recipients     []string          `json:"recipients,omitempty"`
	Content        string            `json:"content"`
	Sender         string            `json:"sender,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	ExpiresInHours float64           `json:"expires_in_hours,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	now := time.Now().UTC()
	sender := req.Sender
	if sender == "" {
		if owner := authResult(r).OwnerID; owner != "" {
			sender = owner
		} else {
			sender = "api"
		}
	}
	ttl := s.cfg.MessageTTL
	if req.ExpiresInHours > 0 {
		ttl = time.Duration(req.ExpiresInHours * float64(time.Hour))
	}
	res, err := s.deps.Router.Broadcast(&queue.BroadcastMessage{
		ID:          uuid.NewString(),
		Sender:      sender,
		Recipients:  req.Recipients,
		Content:     req.Content,
		Priority:    queue.ParsePriority(req.Priority),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		MaxAttempts: s.cfg.MaxRetryAttempts,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"broadcast_id":  res.BroadcastID,
		"messages_sent": len(res.Delivered),
		"target_agents": res.Delivered,
		"failed":        res.Failed,
	})
}

func (s *Server) handleMessagePoll(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent")
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	// Polling doubles as a liveness signal.
	_ = s.deps.Agents.Touch(agent)
	writeJSON(w, http.StatusOK, s.deps.Queue.Poll(agent, limit))
}

func (s *Server) handleMessageAck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		s.writeError(w, r, fault.New(fault.KindValidation, "agent_id query parameter is required"))
		return
	}
	receipt, ok := s.deps.Queue.Ack(id, agentID)
	if !ok {
		s.writeError(w, r, fault.New(fault.KindNotFound, "message %s is not in flight for %s", id, agentID))
		return
	}
	s.deps.Router.Complete(agentID)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "acknowledged",
		"receipt": receipt,
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := s.deps.DeadLetters.ListDeadLetters(limit)
	if err != nil {
		s.writeError(w, r, fault.Wrap(fault.KindInternal, err, "listing dead letters"))
		return
	}
	msgs := make([]queue.Message, 0, len(rows))
	for _, row := range rows {
		var m queue.Message
		if err := json.Unmarshal(row, &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

type agentRegisterRequest struct {
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req agentRegisterRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.deps.Agents.Register(router.Agent{
		Name:         req.Name,
		Capabilities: req.Capabilities,
		Endpoint:     req.Endpoint,
		Metadata:     req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": a.ID})
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	var agents []router.Agent
	switch status {
	case "":
		agents = s.deps.Agents.All()
	case "online":
		agents = s.deps.Agents.Online()
	default:
		for _, a := range s.deps.Agents.All() {
			if string(a.State) == status {
				agents = append(agents, a)
			}
		}
	}
	if capability := r.URL.Query().Get("capability"); capability != "" {
		filtered := agents[:0]
		for _, a := range agents {
			if a.HasCapability(capability) {
				filtered = append(filtered, a)
			}
		}
		agents = filtered
	}
	if agents == nil {
		agents = []router.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleAgentDeregister(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Agents.Deregister(r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Agents.Touch(r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgentState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Agents.SetState(r.PathValue("id"), router.AgentState(req.State)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRuleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Router.Rules())
}

func (s *Server) handleRuleAdd(w http.ResponseWriter, r *http.Request) {
	var rule router.Rule
	if err := decodeBody(r, &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Router.AddRule(rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added", "name": rule.Name})
}

func (s *Server) handleRuleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Router.RemoveRule(r.PathValue("name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":         s.deps.Queue.Stats(),
		"services":      s.deps.Registry.Count(),
		"agents_total":  len(s.deps.Agents.All()),
		"agents_online": len(s.deps.Agents.Online()),
		"assignments":   s.deps.Router.Assignments(),
		"breakers":      len(s.deps.Breakers.Statuses()),
		"timestamp":     time.Now().UTC(),
	})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"services":      s.deps.Registry.Count(),
		"agents":        len(s.deps.Agents.All()),
		"agents_online": len(s.deps.Agents.Online()),
		"running":       s.deps.Registry.Running(),
		"started_at":    s.start.UTC(),
		"uptime":        time.Since(s.start).Round(time.Second).String(),
		"config":        s.cfg.Values(),
	})
}

func (s *Server) handleBreakerList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Breakers.Statuses())
}

func (s *Server) handleBreakerAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	br, ok := s.deps.Breakers.Lookup(name)
	if !ok {
		s.writeError(w, r, fault.New(fault.KindNotFound, "breaker %s not found", name))
		return
	}
	switch action := r.PathValue("action"); action {
	case "force_open":
		br.ForceOpen()
	case "force_close":
		br.ForceClose()
	case "reset":
		br.Reset()
	default:
		s.writeError(w, r, fault.New(fault.KindValidation, "unknown breaker action %q", action))
		return
	}
	writeJSON(w, http.StatusOK, br.Status())
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Limiter.Status(r.PathValue("client")))
}

type rateLimitOverrideRequest struct {
	Limit    int    `json:"limit,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Bypass   bool   `json:"bypass,omitempty"`
}

func (s *Server) handleRateLimitOverride(w http.ResponseWriter, r *http.Request) {
	client := r.PathValue("client")
	var req rateLimitOverrideRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Bypass {
		s.deps.Limiter.AddBypass(client)
	} else if err := s.deps.Limiter.SetOverride(client, ratelimit.Override{
		Limit:    req.Limit,
		Strategy: ratelimit.Strategy(req.Strategy),
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Limiter.Status(client))
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	client := r.PathValue("client")
	s.deps.Limiter.ClearOverride(client)
	s.deps.Limiter.RemoveBypass(client)
	s.deps.Limiter.Reset(client)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type keyCreateRequest struct {
	Owner          string   `json:"owner"`
	Permissions    []string `json:"permissions,omitempty"`
	ExpiresInHours float64  `json:"expires_in_hours,omitempty"`
}

func (s *Server) handleKeyCreate(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var expiresAt *time.Time
	if req.ExpiresInHours > 0 {
		t := time.Now().UTC().Add(time.Duration(req.ExpiresInHours * float64(time.Hour)))
		expiresAt = &t
	}
	cred, plaintext, err := s.deps.Auth.CreateKey(req.Owner, req.Permissions, expiresAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// The plaintext key is returned exactly once.
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":        plaintext,
		"credential": cred,
	})
}

func (s *Server) handleKeyList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Auth.ListKeys())
}

func (s *Server) handleKeyRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Auth.RevokeKey(r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
