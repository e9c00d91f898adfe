package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relaycore/relay/internal/fault"
)

// Webhook signature headers. The signature covers "{timestamp}.{body}"
// so a captured payload cannot be replayed outside the skew window.
const (
	HeaderWebhookSignature = "X-Relay-Signature"
	HeaderWebhookTimestamp = "X-Relay-Timestamp"
)

// SignWebhook computes the signature header value for a payload at the
// given unix timestamp.
func SignWebhook(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks an inbound webhook's signature and timestamp.
// This is only for event ingress; it never authenticates API requests.
func (a *Authenticator) VerifyWebhook(signature, timestamp string, body []byte) error {
	if a.cfg.WebhookSecret == "" {
		return fault.New(fault.KindUnauthenticated, "webhook auth is not configured")
	}
	if signature == "" || timestamp == "" {
		return fault.New(fault.KindUnauthenticated, "missing webhook signature or timestamp")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fault.New(fault.KindUnauthenticated, "malformed webhook timestamp")
	}
	age := a.clk.Now().Sub(time.Unix(ts, 0))
	if age > a.cfg.WebhookSkew || age < -a.cfg.WebhookSkew {
		return fault.New(fault.KindUnauthenticated, "webhook timestamp outside allowed skew")
	}
	want := SignWebhook(a.cfg.WebhookSecret, ts, body)
	got := signature
	if !strings.HasPrefix(got, "sha256=") {
		got = "sha256=" + got
	}
	if !hmac.Equal([]byte(want), []byte(got)) {
		return fault.New(fault.KindUnauthenticated, "webhook signature mismatch")
	}
	return nil
}
