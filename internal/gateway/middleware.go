package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/relay/internal/auth"
	"github.com/relaycore/relay/internal/fault"
	"github.com/relaycore/relay/internal/metrics"
	"github.com/relaycore/relay/internal/ratelimit"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyAuth
)

// requestID returns the id assigned to this request.
func requestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyRequestID).(string)
	return id
}

// statusRecorder captures the status code for logging and metrics and
// stamps the processing time just before headers flush.
type statusRecorder struct {
	http.ResponseWriter
	status int
	start  time.Time
	wrote  bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.wrote = true
	w.status = code
	w.Header().Set("X-Processing-Time-Ms", strconv.FormatInt(time.Since(w.start).Milliseconds(), 10))
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the hijackable writer for
// WebSocket upgrades.
func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// clientIP extracts the caller's address, honoring X-Forwarded-For.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// withObservability normalizes the request (request id, gateway header)
// and records the structured access log and metrics.
func (s *Server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(gatewayHeader, "relay")
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK, start: time.Now()}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
		elapsed := time.Since(rec.start)

		metrics.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.RequestDuration.Observe(elapsed.Seconds())
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"client", clientIP(r),
			"request_id", id,
		)
	})
}

// withCORS applies CORS headers and short-circuits preflights.
func (s *Server) withCORS(next http.Handler) http.Handler {
	if !s.cfg.EnableCORS {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+s.cfg.APIKeyHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authResult returns the verified identity attached to the request.
func authResult(r *http.Request) auth.Result {
	res, _ := r.Context().Value(ctxKeyAuth).(auth.Result)
	return res
}

// withAuth verifies credentials. With AuthRequired unset, anonymous
// callers proceed with empty permissions.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.openPath(r) {
			next.ServeHTTP(w, r)
			return
		}
		res := s.deps.Auth.Authenticate(r.Header.Get(s.cfg.APIKeyHeader), r.Header.Get("Authorization"))
		if !res.Success && s.cfg.AuthRequired {
			s.writeError(w, r, fault.New(fault.KindUnauthenticated, "authentication required: %s", res.FailureReason))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyAuth, res)))
	})
}

// openPath lists the endpoints that never require credentials: health,
// metrics, and webhook ingress, which authenticates by signature.
func (s *Server) openPath(r *http.Request) bool {
	p := r.URL.Path
	return p == s.cfg.APIPrefix+"/health" ||
		p == "/metrics" ||
		strings.HasPrefix(p, s.cfg.APIPrefix+"/webhooks/")
}

// withRateLimit applies per-client admission control.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.openPath(r) {
			next.ServeHTTP(w, r)
			return
		}
		client := ratelimit.Identity(r.Header.Get(s.cfg.APIKeyHeader), authResult(r).OwnerID, clientIP(r))
		res := s.deps.Limiter.Allow(client)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			if res.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds()+0.5)))
			}
			s.writeError(w, r, fault.New(fault.KindRateLimited, "%s", res.Reason))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a typed error onto its HTTP status with the standard
// error body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := fault.HTTPStatus(err)
	if status >= 500 {
		s.log.Error("request failed", "path", r.URL.Path, "error", err, "request_id", requestID(r))
	}
	writeJSON(w, status, map[string]string{
		"error":      err.Error(),
		"request_id": requestID(r),
	})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fault.Wrap(fault.KindValidation, err, "invalid request body")
	}
	return nil
}
