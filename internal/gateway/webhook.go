package gateway

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/relay/internal/auth"
	"github.com/relaycore/relay/internal/fault"
	"github.com/relaycore/relay/internal/queue"
)

// maxWebhookBody bounds provider payloads.
const maxWebhookBody = 1 << 20

// handleWebhookIngress verifies a provider callback's HMAC signature
// over the raw body and translates it into an internal message. The
// message carries the provider as sender, so routing rules matching
// `webhook:{provider}` dispatch it to capability agents; without a rule
// it falls back to the least-loaded online agent.
func (s *Server) handleWebhookIngress(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, r, fault.Wrap(fault.KindValidation, err, "reading webhook body"))
		return
	}
	if len(body) == 0 {
		s.writeError(w, r, fault.New(fault.KindValidation, "webhook body is empty"))
		return
	}

	sig := r.Header.Get(auth.HeaderWebhookSignature)
	ts := r.Header.Get(auth.HeaderWebhookTimestamp)
	if err := s.deps.Auth.VerifyWebhook(sig, ts, body); err != nil {
		s.writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	msg := &queue.Message{
		ID:          uuid.NewString(),
		Sender:      "webhook:" + provider,
		Content:     string(body),
		Priority:    queue.ParsePriority(r.URL.Query().Get("priority")),
		Status:      queue.StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.MessageTTL),
		MaxAttempts: s.cfg.MaxRetryAttempts,
		Metadata: map[string]string{
			"provider":     provider,
			"content_type": r.Header.Get("Content-Type"),
		},
	}
	res, err := s.deps.Router.Route(msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("webhook ingested", "provider", provider, "message_id", res.MessageID, "agent", res.AgentName)
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": res.MessageID,
		"status":     "queued",
		"recipient":  res.AgentName,
	})
}
