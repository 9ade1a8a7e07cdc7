// Package queue implements the event delivery queue: it buffers events,
// enforces parent-before-child transmission order, offloads oversized
// payloads out of band, retries transient failures up to a ceiling, and
// supports synchronous flush for shutdown paths.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tracevine/tracevine-go/internal/event"
	"github.com/tracevine/tracevine-go/internal/preview"
)

// Transport sends events and blobs to the collector.
// *transport.Client satisfies it.
type Transport interface {
	// SendEvent posts one event, returning the blob upload URL when the
	// collector allocated one.
	SendEvent(ctx context.Context, ev *event.Event) (string, error)

	// UploadBlob uploads the full payload of an offloaded event.
	UploadBlob(ctx context.Context, uploadURL string, payload []byte) error
}

// temporary matches transport errors that are worth retrying.
type temporary interface {
	Temporary() bool
}

// Config tunes the queue. Zero fields fall back to defaults, except
// MaxRetries: zero means no retries there, and the SDK config layer
// supplies the default of three.
type Config struct {
	// MaxSize is the admission ceiling. Enqueues beyond it are shed and
	// logged; the caller is never blocked or handed an error.
	MaxSize int

	// FlushAt triggers an asynchronous drain once this many events are
	// pending.
	FlushAt int

	// FlushInterval is the idle timer: a drain runs this long after the
	// last enqueue if events are still pending.
	FlushInterval time.Duration

	// BlobThreshold is the serialized payload size, in bytes, above
	// which the payload is replaced by a preview and offloaded.
	BlobThreshold int

	// MaxRetries caps transient-failure retries per event. Zero
	// disables retries.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 100000
	}
	if c.FlushAt <= 0 {
		c.FlushAt = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	if c.BlobThreshold <= 0 {
		c.BlobThreshold = 64 * 1024
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// Queue is the in-process event delivery queue. All methods are safe
// for concurrent use.
type Queue struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger

	// drainMu serializes drain passes. Background triggers TryLock and
	// set rerun instead of blocking; Flush takes it unconditionally.
	drainMu sync.Mutex

	mu      sync.Mutex
	pending []*event.Event
	// sent holds ids of successfully transmitted events for the life of
	// the queue; children become sendable once their parent appears here.
	sent map[string]struct{}
	// seen holds every id ever admitted, including later-dropped ones.
	// A child whose parent is in seen but not in sent stays blocked.
	seen      map[string]struct{}
	rerun     bool
	timer     *time.Timer
	closed    bool
	flushWait chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New creates a delivery queue sending through t.
func New(t Transport, cfg Config, opts ...Option) *Queue {
	q := &Queue{
		cfg:       cfg.withDefaults(),
		transport: t,
		logger:    slog.Default(),
		sent:      make(map[string]struct{}),
		seen:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue admits ev for delivery and returns its client event id. It
// never blocks: when the queue is full or closed the event is dropped
// and logged, and the id is still returned so callers can keep linking
// children.
func (q *Queue) Enqueue(ev *event.Event) string {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn("event dropped: queue closed",
			slog.String("client_event_id", ev.ClientEventID),
			slog.String("type", string(ev.Type)))
		return ev.ClientEventID
	}
	if len(q.pending) >= q.cfg.MaxSize {
		// A shed event must not block its children: drop any
		// reservation along with it.
		delete(q.seen, ev.ClientEventID)
		q.mu.Unlock()
		q.logger.Warn("event dropped: queue full",
			slog.String("client_event_id", ev.ClientEventID),
			slog.Int("max_size", q.cfg.MaxSize))
		return ev.ClientEventID
	}
	ev.EnqueuedAt = time.Now()
	q.pending = append(q.pending, ev)
	q.seen[ev.ClientEventID] = struct{}{}
	n := len(q.pending)
	q.resetTimerLocked()
	q.mu.Unlock()

	if n >= q.cfg.FlushAt {
		go q.Drain()
	}
	return ev.ClientEventID
}

// Reserve marks id as admitted before its event exists. Instrumented
// calls reserve their pre-generated id up front so events recorded
// inside the call stay blocked until the call's own event is enqueued
// at settlement. A caller that ends up never enqueueing the event must
// Release the id.
func (q *Queue) Reserve(id string) {
	q.mu.Lock()
	q.seen[id] = struct{}{}
	q.mu.Unlock()
}

// Release drops a reservation whose event will never arrive, unblocking
// children waiting on it. A no-op for ids already transmitted.
func (q *Queue) Release(id string) {
	q.mu.Lock()
	if _, ok := q.sent[id]; !ok {
		delete(q.seen, id)
	}
	q.mu.Unlock()
}

// Len reports the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// WasSent reports whether the event with the given id has been
// successfully transmitted.
func (q *Queue) WasSent(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.sent[id]
	return ok
}

// Drain runs one causal-order drain pass in the calling goroutine. If a
// pass is already in flight it requests a follow-up pass and returns
// immediately.
func (q *Queue) Drain() {
	if !q.drainMu.TryLock() {
		q.mu.Lock()
		q.rerun = true
		q.mu.Unlock()
		return
	}
	q.drainPass(context.Background())
	q.drainMu.Unlock()

	q.mu.Lock()
	again := q.rerun
	q.rerun = false
	q.mu.Unlock()
	if again {
		q.Drain()
	}
}

// Flush drains synchronously until the buffer is empty, finishing with
// an unconditional best-effort pass for events stuck on unresolved
// parents so shutdown does not lose orphaned children silently.
func (q *Queue) Flush(ctx context.Context) error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.drainPass(ctx)
	q.finalPass(ctx)
	return ctx.Err()
}

// ForceFlush coalesces concurrent flushes: callers arriving while one is
// in flight wait for that flush instead of starting their own.
func (q *Queue) ForceFlush(ctx context.Context) error {
	q.mu.Lock()
	if ch := q.flushWait; ch != nil {
		q.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	q.flushWait = ch
	q.mu.Unlock()

	err := q.Flush(ctx)

	q.mu.Lock()
	q.flushWait = nil
	q.mu.Unlock()
	close(ch)
	return err
}

// Close flushes and permanently closes the queue. Later enqueues are
// dropped and logged.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
	}
	q.mu.Unlock()
	return q.ForceFlush(ctx)
}

// resetTimerLocked (re)arms the idle flush timer. Caller holds q.mu.
func (q *Queue) resetTimerLocked() {
	if q.timer == nil {
		q.timer = time.AfterFunc(q.cfg.FlushInterval, q.Drain)
		return
	}
	q.timer.Reset(q.cfg.FlushInterval)
}

// drainPass dispatches sendable events one at a time until a full scan
// finds none. Remaining events are waiting on unsent parents; a retry is
// scheduled via the idle timer instead of spinning.
func (q *Queue) drainPass(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		ev := q.takeSendable()
		if ev == nil {
			break
		}
		q.dispatch(ctx, ev)
	}

	q.mu.Lock()
	if len(q.pending) > 0 && !q.closed {
		q.resetTimerLocked()
	}
	q.mu.Unlock()
}

// finalPass sends everything still pending without regard to parent
// state. Failures drop the event; nothing survives a flush.
func (q *Queue) finalPass(ctx context.Context) {
	q.mu.Lock()
	stuck := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, ev := range stuck {
		if ctx.Err() != nil {
			q.logger.Error("flush aborted: context done",
				slog.Int("remaining", len(stuck)))
			return
		}
		if err := q.send(ctx, ev); err != nil {
			q.logger.Error("event dropped: final flush send failed",
				slog.String("client_event_id", ev.ClientEventID),
				slog.String("error", err.Error()))
			continue
		}
		q.markSent(ev.ClientEventID)
	}
}

// takeSendable removes and returns the first pending event whose parent
// constraint is satisfied: no parent, parent already sent, or parent
// never admitted to this queue. Returns nil when every pending event is
// blocked.
func (q *Queue) takeSendable() *event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, ev := range q.pending {
		if !q.sendableLocked(ev) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		return ev
	}
	return nil
}

func (q *Queue) sendableLocked(ev *event.Event) bool {
	parent := ev.ParentClientEventID
	if parent == "" {
		return true
	}
	if _, ok := q.sent[parent]; ok {
		return true
	}
	if _, ok := q.seen[parent]; !ok {
		return true
	}
	return false
}

// dispatch sends one event, handling retry and drop bookkeeping.
func (q *Queue) dispatch(ctx context.Context, ev *event.Event) {
	err := q.send(ctx, ev)
	if err == nil {
		q.markSent(ev.ClientEventID)
		return
	}

	var t temporary
	if errors.As(err, &t) && !t.Temporary() {
		q.logger.Error("event dropped: permanent send failure",
			slog.String("client_event_id", ev.ClientEventID),
			slog.String("error", err.Error()))
		return
	}

	ev.Retries++
	if ev.Retries > q.cfg.MaxRetries {
		q.logger.Error("event dropped: retry ceiling exceeded",
			slog.String("client_event_id", ev.ClientEventID),
			slog.Int("retries", ev.Retries-1),
			slog.String("error", err.Error()))
		return
	}

	q.logger.Warn("event send failed, requeued",
		slog.String("client_event_id", ev.ClientEventID),
		slog.Int("retry", ev.Retries),
		slog.String("error", err.Error()))
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
}

// send transmits ev, offloading the payload when it exceeds the blob
// threshold. A failed blob upload is logged but does not fail the event:
// the inline preview has already been ingested.
func (q *Queue) send(ctx context.Context, ev *event.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte(`{}`)
	}

	sendEv := ev
	if len(payload) > q.cfg.BlobThreshold {
		sendEv = ev.WithPayload(preview.ForEvent(ev), true)
	}

	blobURL, err := q.transport.SendEvent(ctx, sendEv)
	if err != nil {
		return err
	}

	if sendEv.NeedsBlob && blobURL != "" {
		if err := q.transport.UploadBlob(ctx, blobURL, payload); err != nil {
			q.logger.Error("blob upload failed",
				slog.String("client_event_id", ev.ClientEventID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (q *Queue) markSent(id string) {
	q.mu.Lock()
	q.sent[id] = struct{}{}
	q.mu.Unlock()
}
