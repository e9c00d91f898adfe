package registry

import (
	"net"
	"strconv"
	"time"

	"github.com/relaycore/relay/internal/fault"
)

// Status is the lifecycle state of a registration.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusStopping  Status = "stopping"
	StatusUnknown   Status = "unknown"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventRegistered    EventType = "registered"
	EventDeregistered  EventType = "deregistered"
	EventHealthChanged EventType = "health_changed"
	EventUpdated       EventType = "updated"
	EventExpired       EventType = "expired"
)

// ServiceInstance is an addressable network endpoint registered under a
// service name.
type ServiceInstance struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	HealthURL string            `json:"health_url,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Version   string            `json:"version,omitempty"`
	Weight    int               `json:"weight"`
}

// Address returns the instance's host:port.
func (si *ServiceInstance) Address() string {
	return net.JoinHostPort(si.Host, strconv.Itoa(si.Port))
}

// Validate checks the fields a registration must carry.
func (si *ServiceInstance) Validate() error {
	if si.Name == "" {
		return fault.New(fault.KindValidation, "service name is required")
	}
	if si.Host == "" {
		return fault.New(fault.KindValidation, "service host is required")
	}
	if si.Port <= 0 || si.Port > 65535 {
		return fault.New(fault.KindValidation, "service port %d is out of range", si.Port)
	}
	return nil
}

// HasTags reports whether the instance carries every tag in want.
func (si *ServiceInstance) HasTags(want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(si.Tags))
	for _, t := range si.Tags {
		have[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// Registration wraps a ServiceInstance with registry bookkeeping. A
// registration whose heartbeat is older than its TTL is expired and
// removed by the cleanup sweeper.
type Registration struct {
	Instance      ServiceInstance `json:"instance"`
	RegisteredAt  time.Time       `json:"registered_at"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	Status        Status          `json:"status"`
	TTL           time.Duration   `json:"ttl"`
	Dependencies  []string        `json:"dependencies,omitempty"`
}

// ExpiredAt reports whether the registration has outlived its TTL.
func (r *Registration) ExpiredAt(now time.Time) bool {
	return r.TTL > 0 && now.Sub(r.LastHeartbeat) > r.TTL
}

// Event is a single registry lifecycle event.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	ServiceID   string            `json:"service_id"`
	ServiceName string            `json:"service_name"`
	Timestamp   time.Time         `json:"timestamp"`
	Details     map[string]string `json:"details,omitempty"`
}

// EventQuery selects a page of the event feed.
type EventQuery struct {
	SinceID string    // return only events after this event id
	Type    EventType // filter by type when non-empty
	Limit   int       // page size; 0 means a sane default
}

// HealthSnapshot is the joined health view for a single registration.
type HealthSnapshot struct {
	ServiceID     string            `json:"service_id"`
	ServiceName   string            `json:"service_name"`
	Status        Status            `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Uptime        time.Duration     `json:"uptime"`
	Dependencies  map[string]Status `json:"dependencies,omitempty"`
}

// Patch is a partial update merged into a registration.
type Patch struct {
	Metadata  map[string]string `json:"metadata,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	HealthURL *string           `json:"health_url,omitempty"`
	Version   *string           `json:"version,omitempty"`
	Weight    *int              `json:"weight,omitempty"`
}

// WatchFunc observes lifecycle events for a subscribed service name.
type WatchFunc func(Event)
