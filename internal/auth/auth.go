// Package auth verifies inbound credentials against stored API keys and
// signed bearer tokens, and checks webhook signatures for event ingress.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/relaycore/relay/internal/clock"
	"github.com/relaycore/relay/internal/fault"
)

// Credential is a registered API key. Only the key's SHA-256 digest is
// stored; the plaintext is shown once at creation.
type Credential struct {
	ID          string     `json:"id"`
	KeyHash     string     `json:"key_hash"`
	Owner       string     `json:"owner"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    time.Time  `json:"last_used,omitzero"`
	Active      bool       `json:"active"`
	UseCount    int64      `json:"use_count"`
}

// Result is the outcome of a verification attempt.
type Result struct {
	Success       bool              `json:"success"`
	OwnerID       string            `json:"owner_id,omitempty"`
	Permissions   []string          `json:"permissions,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
}

// Store is the persistence surface for credentials. Nil keeps keys in
// memory only.
type Store interface {
	SaveCredential(id string, data []byte) error
	DeleteCredential(id string) error
	ListCredentials() (map[string][]byte, error)
}

// Config tunes the authenticator.
type Config struct {
	TokenSecret   string        // HMAC secret for bearer tokens
	WebhookSecret string        // HMAC secret for webhook signatures
	TokenTTL      time.Duration // lifetime of issued bearer tokens
	WebhookSkew   time.Duration // max timestamp age for webhook signatures
}

func (c *Config) withDefaults() {
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Hour
	}
	if c.WebhookSkew <= 0 {
		c.WebhookSkew = 5 * time.Minute
	}
}

// Authenticator verifies API keys and bearer tokens.
type Authenticator struct {
	cfg   Config
	clk   clock.Clock
	log   *slog.Logger
	store Store

	mu   sync.Mutex
	keys map[string]*Credential // by key hash
	byID map[string]*Credential
}

// New creates an Authenticator, hydrating credentials from the store.
func New(cfg Config, clk clock.Clock, s Store, log *slog.Logger) *Authenticator {
	cfg.withDefaults()
	a := &Authenticator{
		cfg:   cfg,
		clk:   clk,
		log:   log,
		store: s,
		keys:  make(map[string]*Credential),
		byID:  make(map[string]*Credential),
	}
	a.loadFromStore()
	return a
}

func (a *Authenticator) loadFromStore() {
	if a.store == nil {
		return
	}
	rows, err := a.store.ListCredentials()
	if err != nil {
		a.log.Error("load credentials from store", "error", err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, data := range rows {
		var c Credential
		if err := json.Unmarshal(data, &c); err != nil {
			a.log.Warn("skipping corrupt credential record", "id", id, "error", err)
			continue
		}
		cred := &c
		a.keys[cred.KeyHash] = cred
		a.byID[cred.ID] = cred
	}
	a.log.Info("loaded credentials from store", "count", len(a.byID))
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// CreateKey registers a new API key and returns the credential together
// with the plaintext key, which is never stored or shown again.
func (a *Authenticator) CreateKey(owner string, permissions []string, expiresAt *time.Time) (Credential, string, error) {
	if owner == "" {
		return Credential{}, "", fault.New(fault.KindValidation, "credential owner is required")
	}
	key := "rk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	cred := &Credential{
		ID:          uuid.NewString(),
		KeyHash:     hashKey(key),
		Owner:       owner,
		Permissions: permissions,
		ExpiresAt:   expiresAt,
		CreatedAt:   a.clk.Now(),
		Active:      true,
	}
	if err := a.persist(cred); err != nil {
		return Credential{}, "", fault.Wrap(fault.KindInternal, err, "persist credential")
	}

	a.mu.Lock()
	a.keys[cred.KeyHash] = cred
	a.byID[cred.ID] = cred
	a.mu.Unlock()

	a.log.Info("api key created", "credential", cred.ID, "owner", owner)
	return *cred, key, nil
}

// RevokeKey deactivates a credential by id.
func (a *Authenticator) RevokeKey(id string) error {
	a.mu.Lock()
	cred, ok := a.byID[id]
	if !ok {
		a.mu.Unlock()
		return fault.New(fault.KindNotFound, "credential %s not found", id)
	}
	cred.Active = false
	snapshot := *cred
	a.mu.Unlock()

	if err := a.persist(&snapshot); err != nil {
		return fault.Wrap(fault.KindInternal, err, "persist revocation")
	}
	a.log.Info("api key revoked", "credential", id)
	return nil
}

// DeleteKey removes a credential entirely.
func (a *Authenticator) DeleteKey(id string) error {
	a.mu.Lock()
	cred, ok := a.byID[id]
	if !ok {
		a.mu.Unlock()
		return fault.New(fault.KindNotFound, "credential %s not found", id)
	}
	delete(a.byID, id)
	delete(a.keys, cred.KeyHash)
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.DeleteCredential(id); err != nil {
			return fault.Wrap(fault.KindInternal, err, "delete credential")
		}
	}
	return nil
}

// ListKeys returns every credential, hashes included, for the admin
// surface.
func (a *Authenticator) ListKeys() []Credential {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Credential, 0, len(a.byID))
	for _, cred := range a.byID {
		out = append(out, *cred)
	}
	return out
}

// VerifyKey checks an API key: it must exist, be active, and not be
// expired. Success bumps the usage counters.
func (a *Authenticator) VerifyKey(key string) Result {
	if key == "" {
		return Result{FailureReason: "missing api key"}
	}
	now := a.clk.Now()

	a.mu.Lock()
	cred, ok := a.keys[hashKey(key)]
	if !ok {
		a.mu.Unlock()
		return Result{FailureReason: "unknown api key"}
	}
	if !cred.Active {
		a.mu.Unlock()
		return Result{FailureReason: "api key revoked"}
	}
	if cred.ExpiresAt != nil && now.After(*cred.ExpiresAt) {
		a.mu.Unlock()
		return Result{FailureReason: "api key expired"}
	}
	cred.LastUsed = now
	cred.UseCount++
	res := Result{
		Success:     true,
		OwnerID:     cred.Owner,
		Permissions: append([]string(nil), cred.Permissions...),
		Metadata:    map[string]string{"credential_id": cred.ID, "method": "api_key"},
	}
	snapshot := *cred
	a.mu.Unlock()

	// Usage bookkeeping is best-effort; a store hiccup must not fail auth.
	if err := a.persist(&snapshot); err != nil {
		a.log.Warn("persist key usage", "credential", snapshot.ID, "error", err)
	}
	return res
}

func (a *Authenticator) persist(cred *Credential) error {
	if a.store == nil {
		return nil
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return a.store.SaveCredential(cred.ID, data)
}

type tokenClaims struct {
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken mints a signed bearer token for an owner.
func (a *Authenticator) IssueToken(owner string, permissions []string) (string, error) {
	if a.cfg.TokenSecret == "" {
		return "", fault.New(fault.KindInternal, "token secret is not configured")
	}
	now := a.clk.Now()
	claims := tokenClaims{
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenTTL)),
			ID:        uuid.NewString(),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(a.cfg.TokenSecret))
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "sign token")
	}
	return signed, nil
}

// VerifyToken validates a bearer token and extracts owner and
// permissions from its claims.
func (a *Authenticator) VerifyToken(token string) Result {
	if token == "" {
		return Result{FailureReason: "missing bearer token"}
	}
	if a.cfg.TokenSecret == "" {
		return Result{FailureReason: "token auth is not configured"}
	}
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fault.New(fault.KindUnauthenticated, "unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.cfg.TokenSecret), nil
	}, jwt.WithTimeFunc(a.clk.Now))
	if err != nil || !parsed.Valid {
		return Result{FailureReason: "invalid bearer token"}
	}
	return Result{
		Success:     true,
		OwnerID:     claims.Subject,
		Permissions: claims.Permissions,
		Metadata:    map[string]string{"method": "bearer_token"},
	}
}

// Authenticate resolves a request's credentials: an API key wins when
// present, otherwise a bearer Authorization header is tried.
func (a *Authenticator) Authenticate(apiKey, authorization string) Result {
	if apiKey != "" {
		return a.VerifyKey(apiKey)
	}
	if bearer, ok := strings.CutPrefix(authorization, "Bearer "); ok {
		return a.VerifyToken(bearer)
	}
	return Result{FailureReason: "no credentials presented"}
}

// HasPermission reports whether the result grants a permission, with
// "*" acting as a wildcard grant.
func (r Result) HasPermission(perm string) bool {
	for _, p := range r.Permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}
