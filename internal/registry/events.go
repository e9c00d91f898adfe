package registry

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/relaycore/relay/internal/metrics"
)

// emit records a lifecycle event, appends it to the bounded in-memory
// ring and the store, and fans it out to watchers. Called with r.mu
// released.
func (r *Registry) emit(typ EventType, serviceID, serviceName string, details map[string]string) {
	ev := Event{
		ID:          uuid.NewString(),
		Type:        typ,
		ServiceID:   serviceID,
		ServiceName: serviceName,
		Timestamp:   r.clk.Now(),
		Details:     details,
	}
	metrics.ServiceEvents.WithLabelValues(string(typ)).Inc()

	r.mu.Lock()
	r.events = append(r.events, ev)
	if len(r.events) > r.cfg.EventCap {
		// Drop the oldest; the store keeps the long tail.
		r.events = r.events[len(r.events)-r.cfg.EventCap:]
	}
	var fns []WatchFunc
	fns = append(fns, r.watchers[serviceName]...)
	fns = append(fns, r.watchers[""]...)
	r.mu.Unlock()

	if r.store != nil {
		if data, err := json.Marshal(ev); err == nil {
			if err := r.store.AppendEvent(ev.ID, ev.Timestamp, data); err != nil {
				r.log.Error("append event to store", "type", typ, "error", err)
			}
		}
	}

	for _, fn := range fns {
		r.notifyWatcher(fn, ev)
	}
}

// notifyWatcher isolates watcher panics so one bad callback cannot take
// down the registry.
func (r *Registry) notifyWatcher(fn WatchFunc, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("watcher panicked", "event_type", ev.Type, "panic", rec)
		}
	}()
	fn(ev)
}

// Watch registers a callback for lifecycle events. An empty serviceName
// watches all services. Callbacks run on the emitting goroutine.
func (r *Registry) Watch(serviceName string, fn WatchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers[serviceName] = append(r.watchers[serviceName], fn)
}

// Events returns recorded events newest first, filtered by the query.
func (r *Registry) Events(q EventQuery) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Walk backwards so newest comes first; stop at SinceID when set.
	out := make([]Event, 0, min(len(r.events), q.Limit))
	for i := len(r.events) - 1; i >= 0; i-- {
		ev := r.events[i]
		if q.SinceID != "" && ev.ID == q.SinceID {
			break
		}
		if q.Type != "" && ev.Type != q.Type {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

func (r *Registry) pruneEvents() {
	cutoff := r.clk.Now().Add(-r.cfg.EventRetention)

	r.mu.Lock()
	kept := r.events[:0]
	for _, ev := range r.events {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	dropped := len(r.events) - len(kept)
	r.events = kept
	r.mu.Unlock()

	if r.store != nil {
		n, err := r.store.PruneEvents(cutoff)
		if err != nil {
			r.log.Error("prune stored events", "error", err)
		} else if n > 0 || dropped > 0 {
			r.log.Info("pruned events", "memory", dropped, "store", n)
		}
	}
}
