package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/relay/internal/fault"
)

// Priority orders messages within the queue. Higher priorities always
// dominate lower ones regardless of age.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Weight returns the composite-score weight for heap ordering.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 1000
	case PriorityHigh:
		return 100
	case PriorityMedium:
		return 10
	default:
		return 1
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParsePriority converts a string to a Priority. Unknown values default
// to medium.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// MarshalJSON encodes the priority as its string name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts the string names used on the wire.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = ParsePriority(s)
	return nil
}

// Status is the delivery lifecycle state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusRetry     Status = "retry"
	StatusExpired   Status = "expired"
)

// Message is a single addressed payload moving through the queue.
type Message struct {
	ID          string            `json:"id"`
	Sender      string            `json:"sender"`
	Recipient   string            `json:"recipient"`
	Content     string            `json:"content"`
	Priority    Priority          `json:"priority"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// MetaBroadcastID is the metadata key carrying the parent broadcast id on
// fanned-out messages.
const MetaBroadcastID = "broadcast_id"

// Validate checks the invariants every message must satisfy before it is
// accepted by the queue.
func (m *Message) Validate() error {
	if m.Sender == "" {
		return fault.New(fault.KindValidation, "message sender is required")
	}
	if m.Recipient == "" {
		return fault.New(fault.KindValidation, "message recipient is required")
	}
	if m.Content == "" {
		return fault.New(fault.KindValidation, "message content is required")
	}
	if m.MaxAttempts > 0 && m.Attempts > m.MaxAttempts {
		return fault.New(fault.KindValidation, "message attempts %d exceed max %d", m.Attempts, m.MaxAttempts)
	}
	return nil
}

// Expired reports whether the message is past its expiry at the given time.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// BroadcastMessage addresses a payload to a set of recipients. An empty
// set means every currently-known agent. The router expands it into
// individual messages sharing a broadcast correlation id in metadata.
type BroadcastMessage struct {
	ID          string            `json:"id"`
	Sender      string            `json:"sender"`
	Recipients  []string          `json:"recipients"`
	Content     string            `json:"content"`
	Priority    Priority          `json:"priority"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	MaxAttempts int               `json:"max_attempts"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Expand produces one Message per recipient, each carrying the broadcast
// id in metadata.
func (b *BroadcastMessage) Expand(recipients []string) []*Message {
	id := b.ID
	if id == "" {
		id = uuid.NewString()
	}
	out := make([]*Message, 0, len(recipients))
	for _, r := range recipients {
		meta := make(map[string]string, len(b.Metadata)+1)
		for k, v := range b.Metadata {
			meta[k] = v
		}
		meta[MetaBroadcastID] = id
		out = append(out, &Message{
			ID:          uuid.NewString(),
			Sender:      b.Sender,
			Recipient:   r,
			Content:     b.Content,
			Priority:    b.Priority,
			CreatedAt:   b.CreatedAt,
			ExpiresAt:   b.ExpiresAt,
			MaxAttempts: b.MaxAttempts,
			Metadata:    meta,
		})
	}
	return out
}

// DeliveryReceipt records a successful acknowledgement.
type DeliveryReceipt struct {
	MessageID   string        `json:"message_id"`
	Recipient   string        `json:"recipient"`
	DeliveredAt time.Time     `json:"delivered_at"`
	Attempts    int           `json:"attempts"`
	Latency     time.Duration `json:"latency"`
}

func (r DeliveryReceipt) String() string {
	return fmt.Sprintf("%s -> %s after %d attempt(s) in %s", r.MessageID, r.Recipient, r.Attempts, r.Latency)
}
