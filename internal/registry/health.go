package registry

import (
	"context"
	"net/http"
	"time"

	"github.com/relaycore/relay/internal/metrics"
)

// probeLoop drives active health checks. A tick fires probeAll unless
// the previous round is still in flight, in which case it is skipped so
// slow endpoints cannot stack probes.
func (r *Registry) probeLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !r.probing.TryLock() {
				r.log.Debug("skipping health probe tick, previous round still running")
				continue
			}
			r.probeAll(ctx)
			r.probing.Unlock()
		}
	}
}

// probeAll checks every registration that declares a health URL.
func (r *Registry) probeAll(ctx context.Context) {
	r.mu.RLock()
	targets := make(map[string]string, len(r.services))
	for id, st := range r.services {
		if st.reg.Instance.HealthURL != "" {
			targets[id] = st.reg.Instance.HealthURL
		}
	}
	r.mu.RUnlock()

	for id, url := range targets {
		if ctx.Err() != nil {
			return
		}
		r.recordProbe(id, r.probe(ctx, url))
	}
}

// probe performs one health check. Any 2xx response is a pass.
func (r *Registry) probe(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HealthCheckTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// recordProbe folds a probe result into the instance's counters and
// flips status once a threshold is crossed. Transitions emit
// HEALTH_CHANGED outside the lock.
func (r *Registry) recordProbe(id string, ok bool) {
	result := "pass"
	if !ok {
		result = "fail"
	}
	metrics.HealthChecksTotal.WithLabelValues(result).Inc()

	r.mu.Lock()
	st, found := r.services[id]
	if !found {
		r.mu.Unlock()
		return
	}
	var transition Status
	if ok {
		st.probeFails = 0
		st.probeOKs++
		if st.reg.Status != StatusHealthy && st.probeOKs >= r.cfg.RecoveryThreshold {
			st.reg.Status = StatusHealthy
			transition = StatusHealthy
		}
	} else {
		st.probeOKs = 0
		st.probeFails++
		if st.reg.Status != StatusUnhealthy && st.probeFails >= r.cfg.FailureThreshold {
			st.reg.Status = StatusUnhealthy
			transition = StatusUnhealthy
		}
	}
	name := st.reg.Instance.Name
	reg := st.reg
	r.mu.Unlock()

	if transition == "" {
		return
	}
	if err := r.persistRegistration(&reg); err != nil {
		r.log.Error("persist health transition", "id", id, "error", err)
	}
	r.emit(EventHealthChanged, id, name, map[string]string{"status": string(transition), "probe": result})
	r.log.Info("health transition", "id", id, "name", name, "status", transition)
}
