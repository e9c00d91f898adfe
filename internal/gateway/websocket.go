package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaycore/relay/internal/events"
	"github.com/relaycore/relay/internal/queue"
	"github.com/relaycore/relay/internal/router"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The REST middleware already authenticated the request.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope is the JSON frame exchanged on agent WebSocket connections.
type wsEnvelope struct {
	Type      string            `json:"type"`
	MessageID string            `json:"message_id,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
	Content   string            `json:"content,omitempty"`
	Priority  string            `json:"priority,omitempty"`
	Message   *queue.Message    `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitzero"`
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPollInterval = time.Second
	wsPollBatch    = 10
	wsOutboundCap  = 64
)

// wsSession is one connected agent. All writes to the connection go
// through the outbound channel; the write loop is the sole writer.
type wsSession struct {
	srv      *Server
	conn     *websocket.Conn
	agent    router.Agent
	outbound chan wsEnvelope
	done     chan struct{}
}

// handleWebSocket upgrades an agent connection. On connect the agent is
// marked online and its pending messages are drained; frames then flow
// both ways until the peer disconnects, which marks the agent offline.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("agent")
	agent, ok := s.resolveAgent(ref)
	if !ok {
		var err error
		agent, err = s.deps.Agents.Register(router.Agent{Name: ref})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.log.Warn("websocket upgrade failed", "agent", ref, "error", err)
		return
	}
	defer conn.Close()

	_ = s.deps.Agents.SetState(agent.ID, router.AgentOnline)
	defer func() { _ = s.deps.Agents.SetState(agent.ID, router.AgentOffline) }()
	s.log.Info("agent connected", "agent_id", agent.ID, "name", agent.Name)

	sess := &wsSession{
		srv:      s,
		conn:     conn,
		agent:    agent,
		outbound: make(chan wsEnvelope, wsOutboundCap),
		done:     make(chan struct{}),
	}

	sub, cancel := s.deps.EventBus.Subscribe()
	defer cancel()
	go sess.writeLoop(sub)

	for {
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		sess.handleFrame(env)
	}
	close(sess.done)
	s.log.Info("agent disconnected", "agent_id", agent.ID)
}

// resolveAgent accepts either an agent id or a name.
func (s *Server) resolveAgent(ref string) (router.Agent, bool) {
	if a, ok := s.deps.Agents.Get(ref); ok {
		return a, true
	}
	return s.deps.Agents.GetByName(ref)
}

// send queues a frame for the write loop without blocking the reader.
func (sess *wsSession) send(env wsEnvelope) {
	select {
	case sess.outbound <- env:
	case <-sess.done:
	default:
		sess.srv.log.Debug("websocket outbound full, dropping frame",
			"agent_id", sess.agent.ID, "type", env.Type)
	}
}

// writeLoop is the connection's only writer. It drains pending queue
// messages on connect and then on every poll tick or queued-message
// signal, interleaved with frames queued by the reader.
func (sess *wsSession) writeLoop(sub <-chan events.Event) {
	ticker := time.NewTicker(wsPollInterval)
	defer ticker.Stop()

	sess.deliverPending()
	for {
		select {
		case <-sess.done:
			return
		case env := <-sess.outbound:
			sess.write(env)
		case <-ticker.C:
			sess.deliverPending()
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if evt.Type == events.TypeMessageQueued && evt.Recipient == sess.agent.ID {
				sess.deliverPending()
			}
		}
	}
}

func (sess *wsSession) deliverPending() {
	for _, m := range sess.srv.deps.Queue.Poll(sess.agent.ID, wsPollBatch) {
		msg := m
		sess.write(wsEnvelope{
			Type:      "message",
			MessageID: msg.ID,
			Message:   &msg,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (sess *wsSession) write(env wsEnvelope) {
	_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := sess.conn.WriteJSON(env); err != nil {
		sess.srv.log.Debug("websocket write failed", "agent_id", sess.agent.ID, "error", err)
	}
}

// handleFrame runs on the read loop; responses go through send.
func (sess *wsSession) handleFrame(env wsEnvelope) {
	s := sess.srv
	switch env.Type {
	case "heartbeat":
		_ = s.deps.Agents.Touch(sess.agent.ID)
		sess.send(wsEnvelope{Type: "heartbeat_ack", Timestamp: time.Now().UTC()})
	case "ack":
		if _, ok := s.deps.Queue.Ack(env.MessageID, sess.agent.ID); ok {
			s.deps.Router.Complete(sess.agent.ID)
		}
	case "send_message":
		now := time.Now().UTC()
		res, err := s.deps.Router.Route(&queue.Message{
			ID:          uuid.NewString(),
			Sender:      sess.agent.Name,
			Recipient:   env.Recipient,
			Content:     env.Content,
			Priority:    queue.ParsePriority(env.Priority),
			Status:      queue.StatusPending,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.MessageTTL),
			MaxAttempts: s.cfg.MaxRetryAttempts,
			Metadata:    env.Metadata,
		})
		if err != nil {
			sess.send(wsEnvelope{Type: "error", Content: err.Error(), Timestamp: time.Now().UTC()})
			return
		}
		sess.send(wsEnvelope{Type: "sent", MessageID: res.MessageID, Recipient: res.AgentName, Timestamp: time.Now().UTC()})
	default:
		sess.send(wsEnvelope{Type: "error", Content: "unknown frame type " + env.Type, Timestamp: time.Now().UTC()})
	}
}
