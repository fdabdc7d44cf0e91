// Package eventbus fans daemon lifecycle events out to subscribers.
//
// Grounded on the internal/events/bus.go (buffered per-subscriber
// channels, type-filtered or catch-all subscription, drop-when-full
// delivery) with structured logging in the style of
// internal/fabric/redis_event_bus.go. Bus itself is in-process; fan-out
// across daemon instances is the separate RedisMirror in redis.go.
package eventbus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MinBufferSize is the smallest buffer a subscriber channel may request.
const MinBufferSize = 256

// Event is one lifecycle event broadcast on the bus.
type Event struct {
	Name      string          `json:"event_name"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// JSON serializes the event.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

type subscriber struct {
	id     uint64
	ch     chan Event
	names  map[string]bool // nil means all event names
	lagged atomic.Uint64
}

// Bus is a multi-producer, multi-subscriber broadcast of Events. Delivery to
// a lagging subscriber is lossy: a full channel drops the event rather than
// blocking the publisher, and the drop is counted against that subscriber.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextSubID uint64
	onLag     func(subscriberID uint64)
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// SetLagHook installs fn to be called on every dropped event (once per
// lagging subscriber per drop), for wiring the drop count into metrics.
// Call before any Publish/Emit; the hook must not block.
func (b *Bus) SetLagHook(fn func(subscriberID uint64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onLag = fn
}

// Subscription is a live subscription returned by Subscribe.
type Subscription struct {
	ID     uint64
	Events <-chan Event
	bus    *Bus
}

// Cancel unsubscribes and closes the underlying channel.
func (s Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subs[s.ID]; ok {
		delete(s.bus.subs, s.ID)
		close(sub.ch)
	}
}

// Lag reports how many events have been dropped for this subscription so
// far due to a full buffer.
func (s Subscription) Lag() uint64 {
	lag, _ := s.bus.LagCount(s.ID)
	return lag
}

// Subscribe returns a Subscription that receives events whose name is in
// names (all events if names is empty), buffered to bufferSize (raised to
// MinBufferSize if smaller).
func (b *Bus) Subscribe(bufferSize int, names ...string) Subscription {
	if bufferSize < MinBufferSize {
		bufferSize = MinBufferSize
	}

	var nameSet map[string]bool
	if len(names) > 0 {
		nameSet = make(map[string]bool, len(names))
		for _, n := range names {
			nameSet[n] = true
		}
	}

	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	sub := &subscriber{id: id, ch: make(chan Event, bufferSize), names: nameSet}
	b.subs[id] = sub
	b.mu.Unlock()

	return Subscription{ID: id, Events: sub.ch, bus: b}
}

// Publish constructs an Event from name/data and broadcasts it.
func (b *Bus) Publish(name string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Warn("eventbus: failed to marshal event data", "event", name, "error", err)
		return
	}
	b.Emit(Event{Name: name, Data: raw, Timestamp: time.Now()})
}

// Emit broadcasts a pre-built Event to every matching subscriber.
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.names != nil && !sub.names[event.Name] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			dropped := sub.lagged.Add(1)
			if b.onLag != nil {
				b.onLag(sub.id)
			}
			slog.Warn("eventbus: subscriber lagging, event dropped", "subscriber_id", sub.id, "event", event.Name, "dropped_total", dropped)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// LagCount reports how many events have been dropped for subscriber id since
// it subscribed. Returns 0, false if the subscriber is unknown (e.g. already
// unsubscribed).
func (b *Bus) LagCount(id uint64) (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[id]
	if !ok {
		return 0, false
	}
	return sub.lagged.Load(), true
}
