package balancer

import (
	"time"

	"github.com/relaycore/relay/internal/registry"
)

// HealthState classifies an instance from the caller's point of view,
// derived from reported request outcomes rather than registry probes.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// successWindow is the number of recent outcomes the rolling success
// rate is computed over.
const successWindow = 20

// latencyAlpha is the smoothing factor for the response-time EMA.
const latencyAlpha = 0.1

// instanceState holds per-instance rolling metrics. The balancer holds
// these by instance id only; registry data is re-resolved on every pick.
type instanceState struct {
	requests    int64
	activeConns int
	emaLatency  float64 // milliseconds
	outcomes    []bool  // true = success, newest last, capped at successWindow

	breakerOpen     bool
	breakerOpenedAt time.Time
}

// recordOutcome folds one result into the rolling window and EMA.
func (s *instanceState) recordOutcome(success bool, latency time.Duration) {
	s.requests++
	if s.activeConns > 0 {
		s.activeConns--
	}
	ms := float64(latency.Milliseconds())
	if s.emaLatency == 0 {
		s.emaLatency = ms
	} else {
		s.emaLatency = latencyAlpha*ms + (1-latencyAlpha)*s.emaLatency
	}
	s.outcomes = append(s.outcomes, success)
	if len(s.outcomes) > successWindow {
		s.outcomes = s.outcomes[len(s.outcomes)-successWindow:]
	}
}

// successRate returns the fraction of successes in the window, and
// whether any samples exist.
func (s *instanceState) successRate() (float64, bool) {
	if len(s.outcomes) == 0 {
		return 0, false
	}
	ok := 0
	for _, v := range s.outcomes {
		if v {
			ok++
		}
	}
	return float64(ok) / float64(len(s.outcomes)), true
}

// health classifies the instance from its rolling success rate. An
// instance with no samples yet is treated as healthy so fresh instances
// receive traffic.
func (s *instanceState) health() HealthState {
	rate, sampled := s.successRate()
	switch {
	case !sampled:
		return HealthHealthy
	case rate >= 0.8:
		return HealthHealthy
	case rate >= 0.5:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// healthScore maps the rolling metrics to [0,100]. The rolling success
// rate seeds the score; latency and connection pressure discount it.
func (s *instanceState) healthScore() float64 {
	rate, sampled := s.successRate()
	if !sampled {
		rate = 1.0
	}
	score := rate * 100
	if s.emaLatency > 1000 {
		score *= 0.8
	} else if s.emaLatency > 500 {
		score *= 0.9
	}
	if s.activeConns > 100 {
		score *= 0.7
	} else if s.activeConns > 50 {
		score *= 0.85
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// effectiveWeight scales the registry weight by health.
func (s *instanceState) effectiveWeight(base int) float64 {
	w := float64(base) * s.healthScore() / 100
	if s.health() == HealthDegraded {
		w *= 0.5
	}
	return w
}

// InstanceStatus is the admin-surface view of one instance's metrics.
type InstanceStatus struct {
	Instance    registry.ServiceInstance `json:"instance"`
	Health      HealthState              `json:"health"`
	HealthScore float64                  `json:"health_score"`
	Requests    int64                    `json:"requests"`
	ActiveConns int                      `json:"active_connections"`
	AvgLatency  time.Duration            `json:"avg_latency"`
	SuccessRate float64                  `json:"success_rate"`
	BreakerOpen bool                     `json:"breaker_open"`
}
