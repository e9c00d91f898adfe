package gateway

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/relaycore/relay/internal/balancer"
	"github.com/relaycore/relay/internal/fault"
	"github.com/relaycore/relay/internal/metrics"
)

// hopHeaders are connection-scoped and must not be forwarded.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

type proxyClient struct {
	client *http.Client
}

func newProxyClient(timeout time.Duration) *proxyClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &proxyClient{
		client: &http.Client{
			Timeout: timeout,
			// Redirects are the backend's business, not the gateway's.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// handleProxy forwards a service-routed request to a healthy instance of
// the named service, guarded by that service's circuit breaker. The
// gateway does not retry: a failed forward surfaces to the caller and
// feeds the balancer's health accounting.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	inst, err := s.deps.Balancer.Pick(name, balancer.PickOptions{
		SessionID: r.Header.Get("X-Session-ID"),
		ClientIP:  clientIP(r),
	})
	if err != nil {
		metrics.ProxiedRequests.WithLabelValues(name, "unavailable").Inc()
		s.writeError(w, r, fault.New(fault.KindUnavailable, "Service %s unavailable", name))
		return
	}

	br := s.deps.Breakers.Get(name)
	start := time.Now()
	var (
		resp      *http.Response
		attempted bool
	)
	callErr := br.Call(r.Context(), func(ctx context.Context) error {
		attempted = true
		var ferr error
		resp, ferr = s.proxy.forward(ctx, r, inst.Address(), r.PathValue("rest"))
		if ferr != nil {
			return fault.Wrap(fault.KindUpstream, ferr, "forwarding to %s", inst.ID)
		}
		if resp.StatusCode >= 500 {
			return fault.New(fault.KindUpstream, "%s returned %d", inst.ID, resp.StatusCode)
		}
		return nil
	})
	latency := time.Since(start)

	if callErr != nil && resp == nil {
		// Rejected by the breaker or the backend never answered.
		if attempted {
			s.deps.Balancer.RecordRequestResult(inst.ID, false, latency, callErr)
		}
		metrics.ProxiedRequests.WithLabelValues(name, "error").Inc()
		s.writeError(w, r, callErr)
		return
	}
	defer resp.Body.Close()

	s.deps.Balancer.RecordRequestResult(inst.ID, callErr == nil, latency, callErr)
	if callErr == nil {
		metrics.ProxiedRequests.WithLabelValues(name, "ok").Inc()
	} else {
		metrics.ProxiedRequests.WithLabelValues(name, "upstream_error").Inc()
	}

	for k, vv := range resp.Header {
		if hopHeaders[k] {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// forward replays the inbound request against the target backend,
// stripping the gateway's routing prefix and hop-by-hop headers.
func (p *proxyClient) forward(ctx context.Context, r *http.Request, addr, rest string) (*http.Response, error) {
	url := "http://" + addr + "/" + rest
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, url, r.Body)
	if err != nil {
		return nil, err
	}
	for k, vv := range r.Header {
		if hopHeaders[k] {
			continue
		}
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("X-Forwarded-For", clientIP(r))
	req.Header.Set("X-Forwarded-Host", r.Host)

	return p.client.Do(req)
}
