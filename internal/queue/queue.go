// Package queue implements the durable priority message queue. Messages
// are delivered at-least-once in priority-then-age order, retried on
// failure up to a per-message cap, expired past their TTL, and the queue
// index survives restarts via the store.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relaycore/relay/internal/clock"
	"github.com/relaycore/relay/internal/events"
	"github.com/relaycore/relay/internal/fault"
	"github.com/relaycore/relay/internal/metrics"
)

// Store is the persistence surface the queue needs. A nil Store keeps the
// queue memory-only.
type Store interface {
	SaveQueueIndex(data []byte) error
	LoadQueueIndex() ([]byte, error)
	AppendDeadLetter(messageID string, ts time.Time, data []byte) error
}

// Handler consumes a pushed message. A non-nil return is a delivery
// failure and triggers the retry rule.
type Handler func(ctx context.Context, msg Message) error

// Config tunes queue behaviour.
type Config struct {
	MaxSize        int           // bounded queue size; enqueue fails fast when full
	DefaultTTL     time.Duration // expiry applied when a message carries none
	RetryDelay     time.Duration // delay before a failed message is re-enqueued
	MaxAttempts    int           // default delivery-attempt cap
	SweepInterval  time.Duration // retry mover + expiry sweeper cadence
	HandlerTimeout time.Duration // deadline for push-handler invocations
	DispatchBatch  int           // messages polled per handler dispatch round
}

func (c *Config) withDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 10000
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.DispatchBatch <= 0 {
		c.DispatchBatch = 10
	}
}

// Stats is a snapshot of queue counters.
type Stats struct {
	QueueSize      int           `json:"queue_size"`
	InFlight       int           `json:"in_flight"`
	RetryPending   int           `json:"retry_pending"`
	Delivered      uint64        `json:"delivered"`
	Failed         uint64        `json:"failed"`
	Expired        uint64        `json:"expired"`
	AvgLatency     time.Duration `json:"avg_latency"`
	DroppedAtLimit uint64        `json:"dropped_at_limit"`
}

type inflightEntry struct {
	msg      *Message
	polledAt time.Time
}

// Queue is a bounded, priority-ordered, at-least-once message queue.
type Queue struct {
	cfg   Config
	clk   clock.Clock
	log   *slog.Logger
	store Store
	bus   *events.Bus

	mu       sync.Mutex
	pending  map[string]*pendingHeap // keyed by recipient
	size     int
	seq      uint64
	inflight map[string]*inflightEntry // keyed by message id
	retries  retryHeap
	handlers map[string]Handler

	delivered  uint64
	failed     uint64
	expired    uint64
	dropped    uint64
	latencySum time.Duration

	persistMu    sync.Mutex
	snapVer      uint64 // guarded by mu
	persistedVer uint64 // guarded by persistMu

	running bool
	cancel  context.CancelFunc
	grp     *errgroup.Group
	wake    chan struct{}
}

// New creates a Queue, restoring any persisted index from the store.
// In-flight messages from a previous run are returned to pending so they
// are redelivered (at-least-once).
func New(cfg Config, clk clock.Clock, s Store, bus *events.Bus, log *slog.Logger) *Queue {
	cfg.withDefaults()
	q := &Queue{
		cfg:      cfg,
		clk:      clk,
		log:      log,
		store:    s,
		bus:      bus,
		pending:  make(map[string]*pendingHeap),
		inflight: make(map[string]*inflightEntry),
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
	q.restore()
	return q
}

type persistedIndex struct {
	Pending []*Message `json:"pending"`
	Retries []struct {
		Msg *Message  `json:"msg"`
		Due time.Time `json:"due"`
	} `json:"retries"`
	InFlight []*Message `json:"in_flight"`
}

func (q *Queue) restore() {
	if q.store == nil {
		return
	}
	data, err := q.store.LoadQueueIndex()
	if err != nil || data == nil {
		return
	}
	var idx persistedIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		q.log.Warn("skipping corrupt queue index", "error", err)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range idx.Pending {
		q.pushLocked(m)
	}
	// In-flight messages were never acked -- back to pending for redelivery.
	for _, m := range idx.InFlight {
		m.Status = StatusPending
		q.pushLocked(m)
	}
	for _, r := range idx.Retries {
		heap.Push(&q.retries, &retryItem{msg: r.Msg, due: r.Due})
	}
	q.log.Info("restored queue index", "pending", q.size, "retries", q.retries.Len())
}

// pushLocked adds a message to its recipient's pending heap. Caller holds q.mu.
func (q *Queue) pushLocked(m *Message) {
	h, ok := q.pending[m.Recipient]
	if !ok {
		h = &pendingHeap{}
		q.pending[m.Recipient] = h
	}
	q.seq++
	heap.Push(h, &pendingItem{msg: m, seq: q.seq})
	q.size++
}

// snapshot is a serialized queue index plus the version it was built at.
type snapshot struct {
	data []byte
	ver  uint64
}

// snapshotLocked serializes the queue index. Caller holds q.mu. Pending
// messages are written in enqueue order so restore reassigns sequence
// numbers without reordering same-priority messages.
func (q *Queue) snapshotLocked() snapshot {
	if q.store == nil {
		return snapshot{}
	}
	var idx persistedIndex
	var items []*pendingItem
	for _, h := range q.pending {
		items = append(items, *h...)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	for _, it := range items {
		idx.Pending = append(idx.Pending, it.msg)
	}
	for _, r := range q.retries {
		idx.Retries = append(idx.Retries, struct {
			Msg *Message  `json:"msg"`
			Due time.Time `json:"due"`
		}{Msg: r.msg, Due: r.due})
	}
	for _, e := range q.inflight {
		idx.InFlight = append(idx.InFlight, e.msg)
	}
	sort.Slice(idx.InFlight, func(i, j int) bool {
		a, b := idx.InFlight[i], idx.InFlight[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	data, err := json.Marshal(idx)
	if err != nil {
		return snapshot{}
	}
	q.snapVer++
	return snapshot{data: data, ver: q.snapVer}
}

// persist writes a pre-built snapshot outside the critical section.
// Writes are version-gated so a slow writer cannot clobber a newer
// index already on disk.
func (q *Queue) persist(s snapshot) {
	if q.store == nil || s.data == nil {
		return
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()
	if s.ver <= q.persistedVer {
		return
	}
	if err := q.store.SaveQueueIndex(s.data); err != nil {
		q.log.Error("persist queue index", "error", err)
		return
	}
	q.persistedVer = s.ver
}

func (q *Queue) updateGaugesLocked() {
	metrics.QueueDepth.Set(float64(q.size))
	metrics.QueueInFlight.Set(float64(len(q.inflight)))
}

// Enqueue accepts a message for delivery. It fails fast when the queue is
// full and rejects messages that are already expired.
func (q *Queue) Enqueue(m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	now := q.clk.Now()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.ExpiresAt.IsZero() {
		m.ExpiresAt = m.CreatedAt.Add(q.cfg.DefaultTTL)
	}
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = q.cfg.MaxAttempts
	}
	if m.Expired(now) {
		return fault.New(fault.KindValidation, "message %s is already expired", m.ID)
	}
	m.Status = StatusPending

	q.mu.Lock()
	if q.size >= q.cfg.MaxSize {
		q.dropped++
		q.mu.Unlock()
		return fault.New(fault.KindUnavailable, "queue is full (max %d)", q.cfg.MaxSize)
	}
	q.pushLocked(m)
	q.updateGaugesLocked()
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(snap)
	if q.bus != nil {
		q.bus.Publish(events.Event{Type: events.TypeMessageQueued, Recipient: m.Recipient, MessageID: m.ID})
	}
	q.kick()
	return nil
}

// Poll returns up to n of the highest-priority, oldest-within-priority
// messages addressed to recipient, moving them into the in-flight set.
// A poll is a delivery attempt, not an acknowledgement.
func (q *Queue) Poll(recipient string, n int) []Message {
	if n <= 0 {
		n = 1
	}
	now := q.clk.Now()

	q.mu.Lock()
	var out []Message
	var dead []*Message
	h, ok := q.pending[recipient]
	if ok {
		for h.Len() > 0 && len(out) < n {
			item := heap.Pop(h).(*pendingItem)
			q.size--
			m := item.msg
			if m.Expired(now) {
				m.Status = StatusExpired
				q.expired++
				dead = append(dead, m)
				continue
			}
			m.Attempts++
			q.inflight[m.ID] = &inflightEntry{msg: m, polledAt: now}
			out = append(out, *m)
		}
		if h.Len() == 0 {
			delete(q.pending, recipient)
		}
	}
	q.updateGaugesLocked()
	var snap snapshot
	if len(out) > 0 || len(dead) > 0 {
		snap = q.snapshotLocked()
	}
	q.mu.Unlock()

	q.persist(snap)
	for _, m := range dead {
		q.deadLetter(m)
	}
	return out
}

// Ack removes a message from the in-flight set and records its delivery.
// Acking an unknown id is a no-op; ok reports whether the id was in
// flight for the given recipient.
func (q *Queue) Ack(msgID, recipient string) (DeliveryReceipt, bool) {
	now := q.clk.Now()

	q.mu.Lock()
	e, ok := q.inflight[msgID]
	if !ok || e.msg.Recipient != recipient {
		q.mu.Unlock()
		return DeliveryReceipt{}, false
	}
	delete(q.inflight, msgID)
	e.msg.Status = StatusDelivered
	q.delivered++
	q.latencySum += now.Sub(e.msg.CreatedAt)
	q.updateGaugesLocked()
	snap := q.snapshotLocked()
	q.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	metrics.DeliveryLatency.Observe(now.Sub(e.msg.CreatedAt).Seconds())
	q.persist(snap)
	if q.bus != nil {
		q.bus.Publish(events.Event{Type: events.TypeMessageDelivered, Recipient: recipient, MessageID: msgID})
	}
	return DeliveryReceipt{
		MessageID:   msgID,
		Recipient:   recipient,
		DeliveredAt: now,
		Attempts:    e.msg.Attempts,
		Latency:     now.Sub(e.msg.CreatedAt),
	}, true
}

// Nack reports a delivery failure for an in-flight message. Retryable
// messages are scheduled at now + retryDelay; exhausted or expired ones
// terminate as FAILED or EXPIRED.
func (q *Queue) Nack(msgID string) {
	now := q.clk.Now()

	q.mu.Lock()
	e, ok := q.inflight[msgID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.inflight, msgID)
	m := e.msg

	var terminal *Message
	switch {
	case m.Expired(now):
		m.Status = StatusExpired
		q.expired++
		terminal = m
	case m.Attempts >= m.MaxAttempts:
		m.Status = StatusFailed
		q.failed++
		terminal = m
	default:
		m.Status = StatusRetry
		heap.Push(&q.retries, &retryItem{msg: m, due: now.Add(q.cfg.RetryDelay)})
	}
	q.updateGaugesLocked()
	snap := q.snapshotLocked()
	q.mu.Unlock()

	q.persist(snap)
	if terminal != nil {
		q.deadLetter(terminal)
	}
}

// Register installs a push handler for a recipient. The dispatch loop
// invokes it for each message instead of waiting for polling.
func (q *Queue) Register(recipient string, h Handler) {
	q.mu.Lock()
	q.handlers[recipient] = h
	q.mu.Unlock()
	q.kick()
}

// Unregister removes a recipient's push handler.
func (q *Queue) Unregister(recipient string) {
	q.mu.Lock()
	delete(q.handlers, recipient)
	q.mu.Unlock()
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		QueueSize:      q.size,
		InFlight:       len(q.inflight),
		RetryPending:   q.retries.Len(),
		Delivered:      q.delivered,
		Failed:         q.failed,
		Expired:        q.expired,
		DroppedAtLimit: q.dropped,
	}
	if q.delivered > 0 {
		s.AvgLatency = q.latencySum / time.Duration(q.delivered)
	}
	return s
}

// Start launches the sweeper and dispatch loops. Idempotent.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	grp, ctx := errgroup.WithContext(ctx)
	q.grp = grp
	grp.Go(func() error { return q.sweepLoop(ctx) })
	grp.Go(func() error { return q.dispatchLoop(ctx) })
	q.log.Info("queue started", "max_size", q.cfg.MaxSize, "retry_delay", q.cfg.RetryDelay)
}

// Stop signals background loops, waits for them, and flushes the index.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.mu.Unlock()

	q.cancel()
	_ = q.grp.Wait()

	q.mu.Lock()
	snap := q.snapshotLocked()
	q.mu.Unlock()
	q.persist(snap)
	q.log.Info("queue stopped")
}

// kick wakes the dispatch loop without blocking.
func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// sweepLoop moves due retries back to pending and drops expired messages.
// Loop errors are logged, never fatal.
func (q *Queue) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.sweep()
		}
	}
}

// sweep is one pass of the retry mover + expiry sweeper.
func (q *Queue) sweep() {
	now := q.clk.Now()

	q.mu.Lock()
	moved := 0
	var dead []*Message
	for q.retries.Len() > 0 && !q.retries[0].due.After(now) {
		item := heap.Pop(&q.retries).(*retryItem)
		m := item.msg
		if m.Expired(now) {
			m.Status = StatusExpired
			q.expired++
			dead = append(dead, m)
			continue
		}
		m.Status = StatusPending
		q.pushLocked(m)
		moved++
	}

	// Drop expired pending messages opportunistically.
	for recipient, h := range q.pending {
		var kept pendingHeap
		for _, it := range *h {
			if it.msg.Expired(now) {
				it.msg.Status = StatusExpired
				q.expired++
				q.size--
				dead = append(dead, it.msg)
				continue
			}
			kept = append(kept, it)
		}
		if len(kept) == 0 {
			delete(q.pending, recipient)
			continue
		}
		heap.Init(&kept)
		q.pending[recipient] = &kept
	}
	q.updateGaugesLocked()
	var snap snapshot
	if moved > 0 || len(dead) > 0 {
		snap = q.snapshotLocked()
	}
	q.mu.Unlock()

	q.persist(snap)
	for _, m := range dead {
		q.deadLetter(m)
	}
	if moved > 0 {
		q.kick()
	}
}

// dispatchLoop drives push handlers: for every recipient with a handler,
// poll a batch and invoke the handler per message, acking on success and
// nacking on failure.
func (q *Queue) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-ticker.C:
		}
		q.dispatchOnce(ctx)
	}
}

func (q *Queue) dispatchOnce(ctx context.Context) {
	q.mu.Lock()
	recipients := make(map[string]Handler, len(q.handlers))
	for r, h := range q.handlers {
		if hp, ok := q.pending[r]; ok && hp.Len() > 0 {
			recipients[r] = h
		}
	}
	q.mu.Unlock()

	for recipient, h := range recipients {
		msgs := q.Poll(recipient, q.cfg.DispatchBatch)
		for _, m := range msgs {
			if err := q.invoke(ctx, h, m); err != nil {
				q.log.Warn("push delivery failed", "message", m.ID, "recipient", recipient, "error", err)
				q.Nack(m.ID)
			} else {
				q.Ack(m.ID, recipient)
			}
		}
	}
}

// invoke runs a handler with a deadline, converting panics into delivery
// failures so a bad handler never kills the dispatch loop.
func (q *Queue) invoke(ctx context.Context, h Handler, m Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.New(fault.KindInternal, "handler panic: %v", r)
		}
	}()
	hctx, cancel := context.WithTimeout(ctx, q.cfg.HandlerTimeout)
	defer cancel()
	return h(hctx, m)
}

// deadLetter records a terminally failed or expired message.
func (q *Queue) deadLetter(m *Message) {
	metrics.MessagesTotal.WithLabelValues(string(m.Status)).Inc()
	if q.bus != nil {
		t := events.TypeMessageFailed
		if m.Status == StatusExpired {
			t = events.TypeMessageExpired
		}
		q.bus.Publish(events.Event{Type: t, Recipient: m.Recipient, MessageID: m.ID})
	}
	if q.store == nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := q.store.AppendDeadLetter(m.ID, q.clk.Now(), data); err != nil {
		q.log.Error("record dead letter", "message", m.ID, "error", err)
	}
}
