// Package gateway terminates inbound HTTP for the fabric: it applies
// authentication, rate limiting, and CORS, serves the REST and
// WebSocket surfaces, and proxies service-routed requests through the
// load balancer and circuit breakers.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaycore/relay/internal/auth"
	"github.com/relaycore/relay/internal/balancer"
	"github.com/relaycore/relay/internal/breaker"
	"github.com/relaycore/relay/internal/config"
	"github.com/relaycore/relay/internal/events"
	"github.com/relaycore/relay/internal/queue"
	"github.com/relaycore/relay/internal/ratelimit"
	"github.com/relaycore/relay/internal/registry"
	"github.com/relaycore/relay/internal/router"
)

// gatewayHeader names this gateway on every response.
const gatewayHeader = "X-API-Gateway"

// DeadLetterStore reads the retained dead-letter tail.
type DeadLetterStore interface {
	ListDeadLetters(limit int) ([][]byte, error)
}

// Dependencies defines what the gateway needs from the rest of the
// application.
type Dependencies struct {
	Config      *config.Config
	Registry    *registry.Registry
	Balancer    *balancer.Balancer
	Breakers    *breaker.Manager
	Limiter     *ratelimit.Limiter
	Auth        *auth.Authenticator
	Queue       *queue.Queue
	Router      *router.Router
	Agents      *router.AgentRegistry
	EventBus    *events.Bus
	DeadLetters DeadLetterStore
	Log         *slog.Logger
}

// Server is the HTTP gateway.
type Server struct {
	deps  Dependencies
	cfg   *config.Config
	log   *slog.Logger
	mux   *http.ServeMux
	srv   *http.Server
	start time.Time
	proxy *proxyClient
}

// New creates the gateway and registers its routes.
func New(deps Dependencies) *Server {
	s := &Server{
		deps:  deps,
		cfg:   deps.Config,
		log:   deps.Log,
		mux:   http.NewServeMux(),
		start: time.Now(),
		proxy: newProxyClient(deps.Config.RequestTimeout),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	p := s.cfg.APIPrefix

	s.mux.HandleFunc("GET "+p+"/health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)

	// Service registry surface.
	s.mux.HandleFunc("POST "+p+"/services/register", s.handleServiceRegister)
	s.mux.HandleFunc("GET "+p+"/services", s.handleServiceList)
	s.mux.HandleFunc("GET "+p+"/services/{id}", s.handleServiceGet)
	s.mux.HandleFunc("DELETE "+p+"/services/{id}", s.handleServiceDeregister)
	s.mux.HandleFunc("PATCH "+p+"/services/{id}", s.handleServiceUpdate)
	s.mux.HandleFunc("POST "+p+"/services/{id}/heartbeat", s.handleServiceHeartbeat)
	s.mux.HandleFunc("GET "+p+"/services/events", s.handleServiceEvents)

	// ServeMux cannot keep discover/{name} and {id}/status apart (a
	// path like /services/discover/status matches both with neither
	// pattern more specific), so two-segment GETs funnel through one
	// dispatcher.
	s.mux.HandleFunc("GET "+p+"/services/{head}/{tail}", s.handleServiceSubtree)

	// Proxy branch: any deeper path under a service name.
	s.mux.HandleFunc(p+"/services/{name}/{rest...}", s.handleProxy)

	// Messaging surface.
	s.mux.HandleFunc("POST "+p+"/messages", s.handleMessageSend)
	s.mux.HandleFunc("POST "+p+"/broadcast", s.handleBroadcast)
	s.mux.HandleFunc("GET "+p+"/messages/deadletter", s.handleDeadLetters)
	s.mux.HandleFunc("GET "+p+"/messages/{agent}", s.handleMessagePoll)
	s.mux.HandleFunc("POST "+p+"/messages/{id}/ack", s.handleMessageAck)

	// Agent surface.
	s.mux.HandleFunc("POST "+p+"/agents/register", s.handleAgentRegister)
	s.mux.HandleFunc("GET "+p+"/agents", s.handleAgentList)
	s.mux.HandleFunc("DELETE "+p+"/agents/{id}", s.handleAgentDeregister)
	s.mux.HandleFunc("POST "+p+"/agents/{id}/heartbeat", s.handleAgentHeartbeat)
	s.mux.HandleFunc("POST "+p+"/agents/{id}/state", s.handleAgentState)

	// Routing rules.
	s.mux.HandleFunc("GET "+p+"/routes", s.handleRuleList)
	s.mux.HandleFunc("POST "+p+"/routes", s.handleRuleAdd)
	s.mux.HandleFunc("DELETE "+p+"/routes/{name}", s.handleRuleRemove)

	// Admin and introspection.
	s.mux.HandleFunc("GET "+p+"/stats", s.handleStats)
	s.mux.HandleFunc("GET "+p+"/system/info", s.handleSystemInfo)
	s.mux.HandleFunc("GET "+p+"/breakers", s.handleBreakerList)
	s.mux.HandleFunc("POST "+p+"/breakers/{name}/{action}", s.handleBreakerAction)
	s.mux.HandleFunc("GET "+p+"/ratelimit/{client}", s.handleRateLimitStatus)
	s.mux.HandleFunc("PUT "+p+"/ratelimit/{client}", s.handleRateLimitOverride)
	s.mux.HandleFunc("DELETE "+p+"/ratelimit/{client}", s.handleRateLimitReset)
	s.mux.HandleFunc("POST "+p+"/keys", s.handleKeyCreate)
	s.mux.HandleFunc("GET "+p+"/keys", s.handleKeyList)
	s.mux.HandleFunc("DELETE "+p+"/keys/{id}", s.handleKeyRevoke)

	// Event ingress and push surfaces.
	s.mux.HandleFunc("POST "+p+"/webhooks/{provider}", s.handleWebhookIngress)
	s.mux.HandleFunc("GET /ws/{agent}", s.handleWebSocket)
}

// Handler returns the fully wrapped handler chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.withRateLimit(h)
	h = s.withAuth(h)
	h = s.withCORS(h)
	h = s.withObservability(h)
	return h
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("gateway listening", "addr", s.cfg.ListenAddr, "prefix", s.cfg.APIPrefix)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
