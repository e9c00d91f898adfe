package auth

import (
	"log/slog"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/relaycore/relay/internal/clock"
	"github.com/relaycore/relay/internal/fault"
	"github.com/relaycore/relay/internal/store"
)

func testAuth(t *testing.T, cfg Config, clk clock.Clock) *Authenticator {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(cfg, clk, s, slog.New(slog.DiscardHandler))
}

func TestAPIKeyLifecycle(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a := testAuth(t, Config{}, clk)

	cred, key, err := a.CreateKey("agent-7", []string{"messages:send"}, nil)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if key == "" || cred.KeyHash == key {
		t.Fatal("plaintext key missing or stored verbatim")
	}

	res := a.VerifyKey(key)
	if !res.Success || res.OwnerID != "agent-7" {
		t.Fatalf("verify = %+v", res)
	}
	if !res.HasPermission("messages:send") || res.HasPermission("admin") {
		t.Errorf("permissions wrong: %v", res.Permissions)
	}

	a.VerifyKey(key)
	keys := a.ListKeys()
	if len(keys) != 1 || keys[0].UseCount != 2 || keys[0].LastUsed.IsZero() {
		t.Errorf("usage not tracked: %+v", keys)
	}

	if err := a.RevokeKey(cred.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if res := a.VerifyKey(key); res.Success || res.FailureReason != "api key revoked" {
		t.Errorf("revoked key verified: %+v", res)
	}

	if err := a.DeleteKey(cred.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res := a.VerifyKey(key); res.Success || res.FailureReason != "unknown api key" {
		t.Errorf("deleted key verified: %+v", res)
	}
	if err := a.RevokeKey(cred.ID); fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("revoking deleted key: %v", err)
	}
}

func TestAPIKeyExpiry(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a := testAuth(t, Config{}, clk)

	exp := clk.Now().Add(time.Hour)
	_, key, err := a.CreateKey("short-lived", nil, &exp)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	if res := a.VerifyKey(key); !res.Success {
		t.Fatalf("fresh key rejected: %+v", res)
	}
	clk.Advance(2 * time.Hour)
	if res := a.VerifyKey(key); res.Success || res.FailureReason != "api key expired" {
		t.Errorf("expired key verified: %+v", res)
	}
}

func TestCredentialsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	a := New(Config{}, clock.Real{}, s, slog.New(slog.DiscardHandler))
	_, key, err := a.CreateKey("agent-7", []string{"*"}, nil)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	a2 := New(Config{}, clock.Real{}, s2, slog.New(slog.DiscardHandler))
	if res := a2.VerifyKey(key); !res.Success || !res.HasPermission("anything") {
		t.Errorf("key lost across restart: %+v", res)
	}
}

func TestBearerTokens(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a := testAuth(t, Config{TokenSecret: "test-secret", TokenTTL: time.Hour}, clk)

	tok, err := a.IssueToken("agent-9", []string{"messages:send", "services:read"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	res := a.VerifyToken(tok)
	if !res.Success || res.OwnerID != "agent-9" {
		t.Fatalf("verify = %+v", res)
	}
	if !res.HasPermission("services:read") {
		t.Errorf("permissions lost in claims: %v", res.Permissions)
	}

	clk.Advance(2 * time.Hour)
	if res := a.VerifyToken(tok); res.Success {
		t.Error("expired token verified")
	}

	if res := a.VerifyToken(tok + "x"); res.Success {
		t.Error("tampered token verified")
	}

	other := testAuth(t, Config{TokenSecret: "other-secret"}, clk)
	tok2, _ := other.IssueToken("agent-9", nil)
	if res := a.VerifyToken(tok2); res.Success {
		t.Error("token signed with a different secret verified")
	}
}

func TestAuthenticatePrefersAPIKey(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a := testAuth(t, Config{TokenSecret: "test-secret"}, clk)

	_, key, _ := a.CreateKey("key-owner", nil, nil)
	tok, _ := a.IssueToken("token-owner", nil)

	if res := a.Authenticate(key, "Bearer "+tok); res.OwnerID != "key-owner" {
		t.Errorf("api key did not win: %+v", res)
	}
	if res := a.Authenticate("", "Bearer "+tok); res.OwnerID != "token-owner" {
		t.Errorf("bearer fallback failed: %+v", res)
	}
	if res := a.Authenticate("", ""); res.Success {
		t.Error("anonymous request authenticated")
	}
}

func TestWebhookSignatures(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a := testAuth(t, Config{WebhookSecret: "hook-secret", WebhookSkew: 5 * time.Minute}, clk)

	body := []byte(`{"event":"deploy"}`)
	ts := clk.Now().Unix()
	sig := SignWebhook("hook-secret", ts, body)

	if err := a.VerifyWebhook(sig, strconv.FormatInt(ts, 10), body); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// The bare hex digest without the scheme prefix is also accepted.
	if err := a.VerifyWebhook(sig[len("sha256="):], strconv.FormatInt(ts, 10), body); err != nil {
		t.Errorf("unprefixed signature rejected: %v", err)
	}

	if err := a.VerifyWebhook(sig, strconv.FormatInt(ts, 10), []byte(`{"event":"tampered"}`)); err == nil {
		t.Error("tampered body accepted")
	}

	wrong := SignWebhook("wrong-secret", ts, body)
	if err := a.VerifyWebhook(wrong, strconv.FormatInt(ts, 10), body); err == nil {
		t.Error("wrong secret accepted")
	}

	// Replay outside the skew window.
	clk.Advance(6 * time.Minute)
	if err := a.VerifyWebhook(sig, strconv.FormatInt(ts, 10), body); err == nil {
		t.Error("stale timestamp accepted")
	}
	if err := a.VerifyWebhook(sig, "soon", body); err == nil {
		t.Error("malformed timestamp accepted")
	}
}
