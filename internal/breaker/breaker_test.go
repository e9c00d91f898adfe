package breaker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/relaycore/relay/internal/clock"
	"github.com/relaycore/relay/internal/fault"
)

var errBoom = errors.New("boom")

func testBreaker(cfg Config, clk clock.Clock) *Breaker {
	return New("upstream", cfg, clk, slog.New(slog.DiscardHandler))
}

func fail(context.Context) error { return errBoom }
func pass(context.Context) error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := testBreaker(Config{FailureThreshold: 3}, clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Call(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v, want errBoom", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state after 2 failures = %s, want closed", b.State())
	}

	_ = b.Call(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state after 3 failures = %s, want open", b.State())
	}

	// Open breaker rejects without invoking fn.
	called := false
	err := b.Call(ctx, func(context.Context) error { called = true; return nil })
	if fault.KindOf(err) != fault.KindUnavailable {
		t.Errorf("rejection error kind = %v", err)
	}
	if called {
		t.Error("fn ran while breaker was open")
	}
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := testBreaker(Config{FailureThreshold: 3, MinRequests: 100}, clk)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = b.Call(ctx, fail)
		_ = b.Call(ctx, fail)
		_ = b.Call(ctx, pass)
	}
	if b.State() != StateClosed {
		t.Errorf("alternating failures opened the breaker: %s", b.State())
	}
}

func TestOpensOnWindowedFailureRate(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	// Consecutive threshold out of reach; only the rate can trip it.
	b := testBreaker(Config{FailureThreshold: 1000, MinRequests: 10, WindowSize: 20, FailureRateThreshold: 0.5}, clk)
	ctx := context.Background()

	// Alternate pass/fail: 50% failure rate, trips once 10 samples exist.
	for i := 0; i < 9; i++ {
		if i%2 == 0 {
			_ = b.Call(ctx, fail)
		} else {
			_ = b.Call(ctx, pass)
		}
		if b.State() != StateClosed {
			t.Fatalf("tripped at %d samples, before MinRequests", i+1)
		}
	}
	_ = b.Call(ctx, fail) // 10th sample, rate 0.6
	if b.State() != StateOpen {
		t.Errorf("state = %s, want open once rate window is full", b.State())
	}
}

// The breaker opens on failures, rejects while open, admits a probe
// after the recovery timeout, and closes after enough probe successes.
func TestRecoveryCycle(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := testBreaker(Config{
		FailureThreshold: 2,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}, clk)
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if b.Test() {
		t.Error("Test() admitted a call while freshly open")
	}

	clk.Advance(59 * time.Second)
	if err := b.Call(ctx, pass); fault.KindOf(err) != fault.KindUnavailable {
		t.Fatalf("call admitted before recovery timeout: %v", err)
	}

	clk.Advance(2 * time.Second)
	if !b.Test() {
		t.Error("Test() still rejecting after recovery timeout")
	}
	if err := b.Call(ctx, pass); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state after first probe = %s, want half_open", b.State())
	}
	if err := b.Call(ctx, pass); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state after success threshold = %s, want closed", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := testBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Second}, clk)
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	clk.Advance(2 * time.Second)
	_ = b.Call(ctx, fail) // probe fails
	if b.State() != StateOpen {
		t.Errorf("state after failed probe = %s, want open", b.State())
	}
	// The reopen restarts the recovery clock.
	if b.Test() {
		t.Error("Test() admitted a call right after a failed probe")
	}
}

func TestHalfOpenAdmitsOneProbe(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := testBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 2}, clk)
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	clk.Advance(2 * time.Second)

	// Claim the probe slot but don't finish the call yet.
	if err := b.admit(); err != nil {
		t.Fatalf("probe admission: %v", err)
	}
	if err := b.admit(); fault.KindOf(err) != fault.KindUnavailable {
		t.Errorf("second concurrent probe admitted: %v", err)
	}
	b.record(true, time.Millisecond)
	if err := b.admit(); err != nil {
		t.Errorf("probe slot not released after outcome: %v", err)
	}
}

func TestForceOpenAndForceClose(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := testBreaker(Config{RecoveryTimeout: time.Second}, clk)
	ctx := context.Background()

	b.ForceOpen()
	clk.Advance(time.Hour)
	if err := b.Call(ctx, pass); fault.KindOf(err) != fault.KindUnavailable {
		t.Errorf("forced-open breaker admitted a call: %v", err)
	}
	if b.State() != StateOpen {
		t.Errorf("forced-open breaker promoted itself: %s", b.State())
	}

	b.ForceClose()
	for i := 0; i < 50; i++ {
		_ = b.Call(ctx, fail)
	}
	if b.State() != StateClosed {
		t.Errorf("forced-closed breaker opened: %s", b.State())
	}

	b.Reset()
	st := b.Status()
	if st.Forced || st.State != StateClosed || st.WindowRequests != 0 {
		t.Errorf("reset left residue: %+v", st)
	}
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	b := testBreaker(Config{FailureThreshold: 1, RequestTimeout: 10 * time.Millisecond}, clock.Real{})

	err := b.Call(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if b.State() != StateOpen {
		t.Errorf("state after timeout = %s, want open", b.State())
	}
}

func TestStatusSnapshot(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := testBreaker(Config{FailureThreshold: 5}, clk)
	ctx := context.Background()

	_ = b.Call(ctx, pass)
	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)

	st := b.Status()
	if st.Name != "upstream" || st.State != StateClosed {
		t.Errorf("snapshot header wrong: %+v", st)
	}
	if st.RequestsTotal != 3 || st.WindowRequests != 3 || st.WindowFailures != 2 {
		t.Errorf("snapshot counters wrong: %+v", st)
	}
	if st.Failures != 2 {
		t.Errorf("consecutive failures = %d, want 2", st.Failures)
	}
}

func TestManagerReusesBreakers(t *testing.T) {
	m := NewManager(Config{}, clock.Real{}, slog.New(slog.DiscardHandler))

	a := m.Get("svc-a")
	if m.Get("svc-a") != a {
		t.Error("manager created a second breaker for the same name")
	}
	m.Get("svc-b").ForceOpen()

	sts := m.Statuses()
	if len(sts) != 2 || sts[0].Name != "svc-a" || sts[1].Name != "svc-b" {
		t.Fatalf("statuses = %+v", sts)
	}
	if sts[1].State != StateOpen {
		t.Errorf("svc-b state = %s, want open", sts[1].State)
	}

	m.Remove("svc-a")
	if _, ok := m.Lookup("svc-a"); ok {
		t.Error("removed breaker still present")
	}
}
