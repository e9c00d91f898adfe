// Package breaker implements per-target circuit breaking for outbound
// calls. Breakers open on consecutive failures or on a windowed failure
// rate, probe the target after a recovery timeout, and close again after
// enough successful probes.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaycore/relay/internal/clock"
	"github.com/relaycore/relay/internal/fault"
	"github.com/relaycore/relay/internal/metrics"
)

// State is the breaker's position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// latencyAlpha is the smoothing factor for the response-time EMA.
const latencyAlpha = 0.1

// Config tunes a breaker. Zero values take the defaults.
type Config struct {
	FailureThreshold     int           // consecutive failures that open the breaker
	FailureRateThreshold float64       // windowed failure rate (0..1) that opens it
	MinRequests          int           // window must hold at least this many samples for the rate to apply
	WindowSize           int           // rolling outcome window length
	RecoveryTimeout      time.Duration // OPEN hold time before probing
	SuccessThreshold     int           // HALF_OPEN successes required to close
	RequestTimeout       time.Duration // per-call deadline imposed by Call
}

func (c *Config) withDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.5
	}
	if c.MinRequests <= 0 {
		c.MinRequests = 10
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 20
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Status is a point-in-time snapshot of a breaker.
type Status struct {
	Name            string        `json:"name"`
	State           State         `json:"state"`
	Failures        int           `json:"consecutive_failures"`
	Successes       int           `json:"half_open_successes"`
	WindowRequests  int           `json:"window_requests"`
	WindowFailures  int           `json:"window_failures"`
	FailureRate     float64       `json:"failure_rate"`
	AvgLatency      time.Duration `json:"avg_latency"`
	LastTransition  time.Time     `json:"last_transition"`
	OpensTotal      int64         `json:"opens_total"`
	RequestsTotal   int64         `json:"requests_total"`
	RejectionsTotal int64         `json:"rejections_total"`
	Forced          bool          `json:"forced,omitempty"`
}

// Breaker guards calls to a single named target.
type Breaker struct {
	name string
	cfg  Config
	clk  clock.Clock
	log  *slog.Logger

	mu            sync.Mutex
	state         State
	failures      int       // consecutive failures while CLOSED
	successes     int       // successes while HALF_OPEN
	window        []bool    // true = failure, newest last
	latencyEMA    float64   // milliseconds
	openedAt      time.Time // when the breaker last opened
	transitionAt  time.Time
	forced        bool // ForceOpen/ForceClose pins the state
	opens         int64
	requests      int64
	rejections    int64
	probeInFlight bool // HALF_OPEN admits one call at a time
}

// New creates a breaker for the named target.
func New(name string, cfg Config, clk clock.Clock, log *slog.Logger) *Breaker {
	cfg.withDefaults()
	return &Breaker{
		name:         name,
		cfg:          cfg,
		clk:          clk,
		log:          log,
		state:        StateClosed,
		transitionAt: clk.Now(),
	}
}

// ErrOpen reports a call rejected because the breaker is open.
func ErrOpen(name string) error {
	return fault.New(fault.KindUnavailable, "circuit breaker %s is open", name)
}

// Call runs fn under the breaker. An open breaker rejects immediately;
// otherwise fn runs with the breaker's request timeout and its outcome
// feeds the state machine. fn's own error is returned unchanged.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	start := b.clk.Now()
	err := fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = fault.Wrap(fault.KindTimeout, ctx.Err(), "call to %s timed out", b.name)
	}
	b.record(err == nil, b.clk.Now().Sub(start))
	return err
}

// Test reports whether a call would currently be admitted, without
// consuming the half-open probe slot.
func (b *Breaker) Test() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !b.probeInFlight
	default:
		return !b.forced && b.clk.Now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout
	}
}

// admit gates a call and claims the probe slot when HALF_OPEN.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			b.rejections++
			return ErrOpen(b.name)
		}
		b.probeInFlight = true
		return nil
	default: // StateOpen
		if !b.forced && b.clk.Now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.transitionLocked(StateHalfOpen)
			b.probeInFlight = true
			return nil
		}
		b.rejections++
		return ErrOpen(b.name)
	}
}

// record folds one outcome into the window, counters, and latency EMA,
// and drives state transitions.
func (b *Breaker) record(ok bool, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ms := float64(latency.Milliseconds())
	if b.latencyEMA == 0 {
		b.latencyEMA = ms
	} else {
		b.latencyEMA = latencyAlpha*ms + (1-latencyAlpha)*b.latencyEMA
	}

	b.window = append(b.window, !ok)
	if len(b.window) > b.cfg.WindowSize {
		b.window = b.window[len(b.window)-b.cfg.WindowSize:]
	}

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		if ok {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.transitionLocked(StateClosed)
			}
		} else {
			// Any half-open failure reopens immediately.
			b.transitionLocked(StateOpen)
		}
	case StateClosed:
		if b.forced {
			return
		}
		if ok {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold || b.rateTrippedLocked() {
			b.transitionLocked(StateOpen)
		}
	}
}

// rateTrippedLocked reports whether the windowed failure rate crossed
// the threshold. The window must hold MinRequests samples to count.
func (b *Breaker) rateTrippedLocked() bool {
	if len(b.window) < b.cfg.MinRequests {
		return false
	}
	fails := 0
	for _, failed := range b.window {
		if failed {
			fails++
		}
	}
	return float64(fails)/float64(len(b.window)) >= b.cfg.FailureRateThreshold
}

// transitionLocked moves the state machine. Caller holds b.mu.
func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.transitionAt = b.clk.Now()
	metrics.BreakerTransitions.WithLabelValues(b.name, string(next)).Inc()

	switch next {
	case StateOpen:
		b.openedAt = b.transitionAt
		b.opens++
		b.successes = 0
		b.probeInFlight = false
	case StateHalfOpen:
		b.successes = 0
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.window = b.window[:0]
		b.probeInFlight = false
	}
	b.log.Info("breaker transition", "breaker", b.name, "from", prev, "to", next)
}

// ForceOpen pins the breaker open until ForceClose or Reset.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = true
	b.transitionLocked(StateOpen)
}

// ForceClose pins the breaker closed until Reset clears the pin.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = true
	b.transitionLocked(StateClosed)
}

// Reset returns the breaker to a fresh CLOSED state and clears any pin.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = false
	b.failures = 0
	b.successes = 0
	b.window = b.window[:0]
	b.latencyEMA = 0
	b.probeInFlight = false
	b.transitionLocked(StateClosed)
	b.transitionAt = b.clk.Now()
}

// State returns the current state, honoring recovery-timeout promotion.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.forced && b.clk.Now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.transitionLocked(StateHalfOpen)
	}
	return b.state
}

// Status returns a snapshot for the admin surface.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	fails := 0
	for _, failed := range b.window {
		if failed {
			fails++
		}
	}
	var rate float64
	if len(b.window) > 0 {
		rate = float64(fails) / float64(len(b.window))
	}
	return Status{
		Name:            b.name,
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		WindowRequests:  len(b.window),
		WindowFailures:  fails,
		FailureRate:     rate,
		AvgLatency:      time.Duration(b.latencyEMA) * time.Millisecond,
		LastTransition:  b.transitionAt,
		OpensTotal:      b.opens,
		RequestsTotal:   b.requests,
		RejectionsTotal: b.rejections,
		Forced:          b.forced,
	}
}
