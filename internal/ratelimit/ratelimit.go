// Package ratelimit decides per-request admission for clients of the
// gateway. Each client gets an isolated bucket with a configurable
// strategy; the adaptive strategy additionally degrades limits as the
// system load signal rises.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/relaycore/relay/internal/clock"
	"github.com/relaycore/relay/internal/fault"
	"github.com/relaycore/relay/internal/metrics"
)

// Strategy names an admission algorithm.
type Strategy string

const (
	StrategyFixedWindow   Strategy = "fixed_window"
	StrategySlidingWindow Strategy = "sliding_window"
	StrategyTokenBucket   Strategy = "token_bucket"
	StrategyLeakyBucket   Strategy = "leaky_bucket"
	StrategyAdaptive      Strategy = "adaptive"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyFixedWindow, StrategySlidingWindow, StrategyTokenBucket,
		StrategyLeakyBucket, StrategyAdaptive:
		return Strategy(s), nil
	}
	return "", fault.New(fault.KindValidation, "unknown rate limit strategy %q", s)
}

// ThrottleLevel is the adaptive degradation tier.
type ThrottleLevel string

const (
	ThrottleNone     ThrottleLevel = "none"
	ThrottleLight    ThrottleLevel = "light"    // load >= 0.70, limit x0.8
	ThrottleModerate ThrottleLevel = "moderate" // load >= 0.80, limit x0.5
	ThrottleHeavy    ThrottleLevel = "heavy"    // load >= 0.90, limit x0.2
	ThrottleBlocked  ThrottleLevel = "blocked"  // load >= 0.95, reject all
)

// blockedRetryAfter is the retry hint attached when the adaptive
// strategy rejects everything.
const blockedRetryAfter = 60 * time.Second

// Result is the outcome of one admission check.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	Throttle   ThrottleLevel `json:"throttle_level"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// LoadFunc supplies the rolling system load signal in [0,1] that drives
// adaptive throttling.
type LoadFunc func() float64

// Config tunes the limiter.
type Config struct {
	Strategy Strategy
	Limit    int           // requests per window
	Window   time.Duration // limiting window
	Load     LoadFunc      // nil disables adaptive degradation
}

func (c *Config) withDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyTokenBucket
	}
	if c.Limit <= 0 {
		c.Limit = 1000
	}
	if c.Window <= 0 {
		c.Window = time.Hour
	}
}

// Override replaces the default limit or strategy for one client.
type Override struct {
	Limit    int      `json:"limit,omitempty"`
	Strategy Strategy `json:"strategy,omitempty"`
}

// bucket carries every strategy's state so a client can be switched
// between strategies by an override without losing identity.
type bucket struct {
	lastSeen time.Time

	windowStart time.Time // fixed window
	windowCount int

	times []time.Time // sliding window, oldest first

	tokens     float64 // token bucket
	lastRefill time.Time

	volume   float64 // leaky bucket
	lastLeak time.Time
}

// Limiter applies per-client admission control.
type Limiter struct {
	cfg Config
	log *slog.Logger
	clk clock.Clock

	mu        sync.Mutex
	buckets   map[string]*bucket
	overrides map[string]Override
	bypass    map[string]struct{}
}

// New creates a Limiter.
func New(cfg Config, clk clock.Clock, log *slog.Logger) *Limiter {
	cfg.withDefaults()
	return &Limiter{
		cfg:       cfg,
		clk:       clk,
		log:       log,
		buckets:   make(map[string]*bucket),
		overrides: make(map[string]Override),
		bypass:    make(map[string]struct{}),
	}
}

// Identity resolves the client key for a request: explicit API key,
// then authenticated user id, then client IP.
func Identity(apiKey, userID, ip string) string {
	switch {
	case apiKey != "":
		return "key:" + apiKey
	case userID != "":
		return "user:" + userID
	default:
		return "ip:" + ip
	}
}

// Allow runs one admission check for the client.
func (l *Limiter) Allow(client string) Result {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.bypass[client]; ok {
		return Result{Allowed: true, Remaining: l.cfg.Limit, ResetAt: now.Add(l.cfg.Window), Throttle: ThrottleNone}
	}

	limit := l.cfg.Limit
	strategy := l.cfg.Strategy
	if ov, ok := l.overrides[client]; ok {
		if ov.Limit > 0 {
			limit = ov.Limit
		}
		if ov.Strategy != "" {
			strategy = ov.Strategy
		}
	}

	level := ThrottleNone
	if strategy == StrategyAdaptive {
		level, limit = l.throttled(limit)
		if level == ThrottleBlocked {
			metrics.RateLimited.Inc()
			return Result{
				Allowed:    false,
				ResetAt:    now.Add(blockedRetryAfter),
				Throttle:   level,
				RetryAfter: blockedRetryAfter,
				Reason:     "system overloaded",
			}
		}
		// Degraded limits ride on the sliding window for smoothness.
		strategy = StrategySlidingWindow
	}

	b, ok := l.buckets[client]
	if !ok {
		b = &bucket{
			windowStart: now,
			tokens:      float64(limit),
			lastRefill:  now,
			lastLeak:    now,
		}
		l.buckets[client] = b
	}
	b.lastSeen = now

	var res Result
	switch strategy {
	case StrategyFixedWindow:
		res = l.fixedWindow(b, now, limit)
	case StrategySlidingWindow:
		res = l.slidingWindow(b, now, limit)
	case StrategyLeakyBucket:
		res = l.leakyBucket(b, now, limit)
	default:
		res = l.tokenBucket(b, now, limit)
	}
	res.Throttle = level
	if !res.Allowed {
		metrics.RateLimited.Inc()
		if res.RetryAfter == 0 {
			res.RetryAfter = res.ResetAt.Sub(now)
		}
		res.Reason = "rate limit exceeded"
	}
	return res
}

// throttled maps the load signal to a degradation tier and the scaled
// limit.
func (l *Limiter) throttled(limit int) (ThrottleLevel, int) {
	if l.cfg.Load == nil {
		return ThrottleNone, limit
	}
	load := l.cfg.Load()
	switch {
	case load >= 0.95:
		return ThrottleBlocked, 0
	case load >= 0.90:
		return ThrottleHeavy, scale(limit, 0.2)
	case load >= 0.80:
		return ThrottleModerate, scale(limit, 0.5)
	case load >= 0.70:
		return ThrottleLight, scale(limit, 0.8)
	default:
		return ThrottleNone, limit
	}
}

func scale(limit int, f float64) int {
	n := int(float64(limit) * f)
	if n < 1 {
		n = 1
	}
	return n
}

func (l *Limiter) fixedWindow(b *bucket, now time.Time, limit int) Result {
	if now.Sub(b.windowStart) >= l.cfg.Window {
		b.windowStart = now
		b.windowCount = 0
	}
	reset := b.windowStart.Add(l.cfg.Window)
	if b.windowCount >= limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: reset}
	}
	b.windowCount++
	return Result{Allowed: true, Remaining: limit - b.windowCount, ResetAt: reset}
}

func (l *Limiter) slidingWindow(b *bucket, now time.Time, limit int) Result {
	cutoff := now.Add(-l.cfg.Window)
	keep := 0
	for _, t := range b.times {
		if t.After(cutoff) {
			break
		}
		keep++
	}
	b.times = b.times[keep:]

	reset := now.Add(l.cfg.Window)
	if len(b.times) > 0 {
		reset = b.times[0].Add(l.cfg.Window)
	}
	if len(b.times) >= limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: reset}
	}
	b.times = append(b.times, now)
	return Result{Allowed: true, Remaining: limit - len(b.times), ResetAt: reset}
}

func (l *Limiter) tokenBucket(b *bucket, now time.Time, limit int) Result {
	rate := float64(limit) / l.cfg.Window.Seconds() // tokens per second
	capacity := float64(limit)

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * rate
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.lastRefill = now

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
		return Result{Allowed: false, Remaining: 0, ResetAt: now.Add(wait), RetryAfter: wait}
	}
	b.tokens--
	refill := time.Duration((capacity - b.tokens) / rate * float64(time.Second))
	return Result{Allowed: true, Remaining: int(b.tokens), ResetAt: now.Add(refill)}
}

func (l *Limiter) leakyBucket(b *bucket, now time.Time, limit int) Result {
	rate := float64(limit) / l.cfg.Window.Seconds() // leaked per second
	capacity := float64(limit)

	elapsed := now.Sub(b.lastLeak).Seconds()
	b.volume -= elapsed * rate
	if b.volume < 0 {
		b.volume = 0
	}
	b.lastLeak = now

	if b.volume+1 > capacity {
		wait := time.Duration((b.volume + 1 - capacity) / rate * float64(time.Second))
		return Result{Allowed: false, Remaining: 0, ResetAt: now.Add(wait), RetryAfter: wait}
	}
	b.volume++
	drain := time.Duration(b.volume / rate * float64(time.Second))
	return Result{Allowed: true, Remaining: int(capacity - b.volume), ResetAt: now.Add(drain)}
}

// SetOverride installs a per-client limit or strategy override.
func (l *Limiter) SetOverride(client string, ov Override) error {
	if ov.Strategy != "" {
		if _, err := ParseStrategy(string(ov.Strategy)); err != nil {
			return err
		}
	}
	if ov.Limit < 0 {
		return fault.New(fault.KindValidation, "override limit must be >= 0, got %d", ov.Limit)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[client] = ov
	l.log.Info("rate limit override set", "client", client, "limit", ov.Limit, "strategy", ov.Strategy)
	return nil
}

// ClearOverride removes a client's override.
func (l *Limiter) ClearOverride(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.overrides, client)
}

// AddBypass exempts a client from limiting.
func (l *Limiter) AddBypass(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bypass[client] = struct{}{}
}

// RemoveBypass re-subjects a client to limiting.
func (l *Limiter) RemoveBypass(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bypass, client)
}

// Reset clears a client's bucket; the next request starts fresh.
func (l *Limiter) Reset(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, client)
}

// ClientStatus is the admin view of one client's limiter state.
type ClientStatus struct {
	Client   string    `json:"client"`
	Strategy Strategy  `json:"strategy"`
	Limit    int       `json:"limit"`
	Used     int       `json:"used"`
	Bypassed bool      `json:"bypassed"`
	Override *Override `json:"override,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Status reports a client's current limiter state without consuming a
// request.
func (l *Limiter) Status(client string) ClientStatus {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	st := ClientStatus{Client: client, Strategy: l.cfg.Strategy, Limit: l.cfg.Limit}
	if _, ok := l.bypass[client]; ok {
		st.Bypassed = true
	}
	if ov, ok := l.overrides[client]; ok {
		o := ov
		st.Override = &o
		if ov.Limit > 0 {
			st.Limit = ov.Limit
		}
		if ov.Strategy != "" {
			st.Strategy = ov.Strategy
		}
	}
	b, ok := l.buckets[client]
	if !ok {
		return st
	}
	st.LastSeen = b.lastSeen
	switch st.Strategy {
	case StrategyFixedWindow:
		if now.Sub(b.windowStart) < l.cfg.Window {
			st.Used = b.windowCount
		}
	case StrategySlidingWindow, StrategyAdaptive:
		cutoff := now.Add(-l.cfg.Window)
		for _, t := range b.times {
			if t.After(cutoff) {
				st.Used++
			}
		}
	case StrategyLeakyBucket:
		st.Used = int(b.volume)
	default:
		st.Used = l.cfg.Limit - int(b.tokens)
	}
	return st
}

// PruneIdle drops buckets unused for longer than the window, bounding
// memory for one-shot clients. Returns the number removed.
func (l *Limiter) PruneIdle() int {
	cutoff := l.clk.Now().Add(-2 * l.cfg.Window)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for client, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, client)
			n++
		}
	}
	return n
}
