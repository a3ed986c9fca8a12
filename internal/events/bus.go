// Package events is the in-process publish/subscribe bus that connects
// the orchestrator to its outer surfaces. The orchestrator publishes
// pipeline milestones; forwarders relay selected kinds to Home
// Assistant's event bus or to MQTT. Publishing on a nil *Bus is a
// no-op, so components never need guard checks.
package events

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	SourceOrchestrator = "orchestrator"
	SourceAPI          = "api"
	SourceMQTT         = "mqtt"
	SourceWatcher      = "watcher"
)

// Kinds.
const (
	// KindRequestStart is published when a run begins.
	// Data: request_id, mode, model.
	KindRequestStart = "request_start"
	// KindCacheHit is published when the response cache supplied the plan.
	// Data: request_id.
	KindCacheHit = "cache_hit"
	// KindPlanReady is published after planning and merging.
	// Data: request_id, actions, merged, groups.
	KindPlanReady = "plan_ready"
	// KindActionDone is published for every executed or skipped action.
	// Data: request_id, action, status, duration_ms.
	KindActionDone = "action_done"
	// KindResponseReady carries the explanation shown to the user. It is
	// forwarded to Home Assistant as llm_response_ready.
	// Data: request_id, payload.
	KindResponseReady = "llm_response_ready"
	// KindRequestComplete is published when a run ends.
	// Data: request_id, state, elapsed_ms, executed, failed.
	KindRequestComplete = "request_complete"
	// KindContextInvalidated is published when a device change drops the
	// cached context.
	// Data: entity_id.
	KindContextInvalidated = "context_invalidated"
)

// Event is a single published event. Seq increases by one per
// published event and is shared by all subscribers.
type Event struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription is one registration on a Bus. Read events from C and
// call Close when done.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	kinds   []string
	dropped atomic.Int64
	bus     *Bus
	once    sync.Once
}

func (s *Subscription) wants(kind string) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, kind)
}

// Dropped reports how many matching events were discarded because the
// buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close removes the subscription and closes C. It is safe to call more
// than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	seq  atomic.Uint64
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish stamps e with the next sequence number and delivers it to
// every subscriber that wants its kind and has room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Seq = b.seq.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with a buffer of size buf. With no
// kinds it receives every event.
func (b *Bus) Subscribe(buf int, kinds ...string) *Subscription {
	ch := make(chan Event, buf)
	s := &Subscription{C: ch, ch: ch, kinds: kinds, bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Sink receives forwarded events.
type Sink func(ctx context.Context, e Event) error

// Forward relays events of the given kinds to sink until ctx is done.
// An empty kinds list forwards everything. Sink errors are logged and
// do not stop forwarding. Forward blocks; run it on its own goroutine.
func (b *Bus) Forward(ctx context.Context, kinds []string, sink Sink, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	sub := b.Subscribe(64, kinds...)
	defer func() {
		sub.Close()
		if n := sub.Dropped(); n > 0 {
			logger.Warn("event forwarder fell behind", "kinds", kinds, "dropped", n)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.C:
			if err := sink(ctx, e); err != nil {
				logger.Warn("event forward failed", "kind", e.Kind, "seq", e.Seq, "error", err)
			}
		}
	}
}
