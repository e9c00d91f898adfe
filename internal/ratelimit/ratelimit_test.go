package ratelimit

import (
	"log/slog"
	"testing"
	"time"

	"github.com/relaycore/relay/internal/clock"
	"github.com/relaycore/relay/internal/fault"
)

func testLimiter(cfg Config, clk clock.Clock) *Limiter {
	return New(cfg, clk, slog.New(slog.DiscardHandler))
}

func TestIdentityResolutionOrder(t *testing.T) {
	cases := []struct {
		apiKey, user, ip, want string
	}{
		{"k1", "u1", "1.2.3.4", "key:k1"},
		{"", "u1", "1.2.3.4", "user:u1"},
		{"", "", "1.2.3.4", "ip:1.2.3.4"},
	}
	for _, tc := range cases {
		if got := Identity(tc.apiKey, tc.user, tc.ip); got != tc.want {
			t.Errorf("Identity(%q,%q,%q) = %q, want %q", tc.apiKey, tc.user, tc.ip, got, tc.want)
		}
	}
}

func TestFixedWindowResetsAtBoundary(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := testLimiter(Config{Strategy: StrategyFixedWindow, Limit: 3, Window: time.Minute}, clk)

	for i := 0; i < 3; i++ {
		res := l.Allow("c")
		if !res.Allowed {
			t.Fatalf("request %d rejected inside the limit", i)
		}
		if res.Remaining != 2-i {
			t.Errorf("request %d remaining = %d, want %d", i, res.Remaining, 2-i)
		}
	}
	res := l.Allow("c")
	if res.Allowed {
		t.Fatal("4th request admitted over the limit")
	}
	if res.RetryAfter <= 0 {
		t.Error("rejection carries no retry hint")
	}

	clk.Advance(61 * time.Second)
	if res := l.Allow("c"); !res.Allowed {
		t.Error("request rejected after window reset")
	}
}

// No matter how requests are spaced, the sliding window never admits
// more than the limit within any window-sized span.
func TestSlidingWindowNeverOverAdmits(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := testLimiter(Config{Strategy: StrategySlidingWindow, Limit: 10, Window: time.Minute}, clk)

	var admittedAt []time.Time
	// Irregular spacing across several window lengths.
	gaps := []time.Duration{0, 100, 3100, 700, 15000, 200, 50, 9000, 21000, 400,
		1200, 30000, 80, 2500, 600, 18000, 90, 7000, 300, 12000}
	for i := 0; i < 200; i++ {
		clk.Advance(gaps[i%len(gaps)] * time.Millisecond)
		if l.Allow("c").Allowed {
			admittedAt = append(admittedAt, clk.Now())
		}
	}

	for i := range admittedAt {
		count := 1
		for j := i + 1; j < len(admittedAt); j++ {
			if admittedAt[j].Sub(admittedAt[i]) < time.Minute {
				count++
			}
		}
		if count > 10 {
			t.Fatalf("%d admissions within one window starting at %v", count, admittedAt[i])
		}
	}
}

func TestTokenBucketRefills(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	// 60 per minute: one token per second.
	l := testLimiter(Config{Strategy: StrategyTokenBucket, Limit: 60, Window: time.Minute}, clk)

	// Drain the full burst.
	for i := 0; i < 60; i++ {
		if !l.Allow("c").Allowed {
			t.Fatalf("burst request %d rejected", i)
		}
	}
	if l.Allow("c").Allowed {
		t.Fatal("request admitted with an empty bucket")
	}

	// Two seconds of refill buys two requests.
	clk.Advance(2 * time.Second)
	if !l.Allow("c").Allowed || !l.Allow("c").Allowed {
		t.Fatal("refilled tokens not granted")
	}
	if l.Allow("c").Allowed {
		t.Error("third request admitted after two seconds of refill")
	}
}

func TestLeakyBucketDrains(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := testLimiter(Config{Strategy: StrategyLeakyBucket, Limit: 10, Window: 10 * time.Second}, clk)

	for i := 0; i < 10; i++ {
		if !l.Allow("c").Allowed {
			t.Fatalf("request %d rejected below capacity", i)
		}
	}
	if l.Allow("c").Allowed {
		t.Fatal("request admitted with a full bucket")
	}

	// One second leaks one unit.
	clk.Advance(time.Second)
	if !l.Allow("c").Allowed {
		t.Error("request rejected after leak freed capacity")
	}
	if l.Allow("c").Allowed {
		t.Error("second request admitted after a single leak")
	}
}

func TestClientsAreIsolated(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := testLimiter(Config{Strategy: StrategyFixedWindow, Limit: 2, Window: time.Minute}, clk)

	l.Allow("a")
	l.Allow("a")
	if l.Allow("a").Allowed {
		t.Fatal("client a over its limit")
	}
	if !l.Allow("b").Allowed {
		t.Error("client b rejected because of client a's usage")
	}
}

func TestAdaptiveThrottleTiers(t *testing.T) {
	load := 0.0
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := testLimiter(Config{
		Strategy: StrategyAdaptive,
		Limit:    100,
		Window:   time.Minute,
		Load:     func() float64 { return load },
	}, clk)

	tiers := []struct {
		load  float64
		level ThrottleLevel
		limit int
	}{
		{0.5, ThrottleNone, 100},
		{0.72, ThrottleLight, 80},
		{0.85, ThrottleModerate, 50},
		{0.92, ThrottleHeavy, 20},
	}
	for _, tier := range tiers {
		load = tier.load
		l.Reset("c")
		admitted := 0
		for i := 0; i < 150; i++ {
			res := l.Allow("c")
			if res.Allowed {
				admitted++
				if res.Throttle != tier.level {
					t.Errorf("load %.2f: throttle = %s, want %s", tier.load, res.Throttle, tier.level)
					break
				}
			}
		}
		if admitted != tier.limit {
			t.Errorf("load %.2f admitted %d, want %d", tier.load, admitted, tier.limit)
		}
	}

	load = 0.97
	res := l.Allow("c")
	if res.Allowed {
		t.Fatal("request admitted while blocked")
	}
	if res.Throttle != ThrottleBlocked || res.RetryAfter != 60*time.Second || res.Reason == "" {
		t.Errorf("blocked result = %+v", res)
	}
}

func TestOverridesAndBypass(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := testLimiter(Config{Strategy: StrategyFixedWindow, Limit: 1, Window: time.Minute}, clk)

	if err := l.SetOverride("vip", Override{Limit: 3}); err != nil {
		t.Fatalf("set override: %v", err)
	}
	for i := 0; i < 3; i++ {
		if !l.Allow("vip").Allowed {
			t.Fatalf("override request %d rejected", i)
		}
	}
	if l.Allow("vip").Allowed {
		t.Error("override limit not enforced")
	}

	l.AddBypass("internal")
	for i := 0; i < 50; i++ {
		if !l.Allow("internal").Allowed {
			t.Fatal("bypassed client rejected")
		}
	}
	l.RemoveBypass("internal")
	l.Allow("internal")
	if l.Allow("internal").Allowed {
		t.Error("limit not enforced after bypass removal")
	}

	if err := l.SetOverride("x", Override{Strategy: "nope"}); fault.KindOf(err) != fault.KindValidation {
		t.Errorf("bad strategy override accepted: %v", err)
	}
}

func TestResetAndStatus(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := testLimiter(Config{Strategy: StrategyFixedWindow, Limit: 2, Window: time.Minute}, clk)

	l.Allow("c")
	l.Allow("c")
	st := l.Status("c")
	if st.Used != 2 || st.Limit != 2 || st.Strategy != StrategyFixedWindow {
		t.Errorf("status = %+v", st)
	}

	l.Reset("c")
	if !l.Allow("c").Allowed {
		t.Error("request rejected after reset")
	}
}

func TestPruneIdle(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := testLimiter(Config{Strategy: StrategyTokenBucket, Limit: 10, Window: time.Minute}, clk)

	l.Allow("old")
	clk.Advance(3 * time.Minute)
	l.Allow("fresh")

	if n := l.PruneIdle(); n != 1 {
		t.Errorf("pruned %d buckets, want 1", n)
	}
	if l.Status("fresh").LastSeen.IsZero() {
		t.Error("fresh bucket pruned")
	}
}
