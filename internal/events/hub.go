package events

import (
	"log/slog"
	"sync"
)

// DefaultBufferSize is the per-subscriber queue length used when none is given.
const DefaultBufferSize = 256

// ActivityListener is told when the hub goes from zero to one subscriber
// (active=true) and back to zero (active=false).
// Listeners run while the hub lock is held and must not call back into the Hub.
type ActivityListener func(active bool)

// Stats is a point-in-time view of hub counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Skipped     uint64 `json:"skipped"`
	Dropped     uint64 `json:"dropped"`
	Buffered    int    `json:"buffered"`
}

// Hub fans events out to live subscribers.
//
// With zero subscribers the hub is idle: Publish returns before building the
// event and nothing is queued. Delivery is best-effort per subscriber; a
// subscriber whose queue is full is dropped without affecting the others.
type Hub struct {
	mu         sync.Mutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	listeners  []ActivityListener
	closed     bool

	published uint64
	skipped   uint64
	dropped   uint64
}

// NewHub creates a hub whose subscribers get a queue of bufferSize events.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
	}
}

// OnActivity registers a listener for subscriber-count transitions.
func (h *Hub) OnActivity(fn ActivityListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Subscribe registers a new observer. The initial events are queued ahead of
// anything published afterwards.
func (h *Hub) Subscribe(initial ...Event) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.bufferSize
	if len(initial) >= size {
		size = len(initial) + 1
	}
	sub := &Subscription{
		id:  h.nextID,
		hub: h,
		ch:  make(chan Event, size),
	}
	h.nextID++

	if h.closed {
		close(sub.ch)
		return sub
	}

	for _, e := range initial {
		sub.ch <- e
	}
	h.subs[sub.id] = sub

	if len(h.subs) == 1 {
		slog.Debug("event hub active")
		h.notify(true)
	}
	return sub
}

// Active reports whether at least one subscriber is registered.
func (h *Hub) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs) > 0
}

// Publish builds an event from the payload and delivers it to every
// subscriber. It does nothing when no one is subscribed.
func (h *Hub) Publish(source EventSource, payload EventPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.subs) == 0 {
		h.skipped++
		return
	}
	h.deliver(NewTypedEvent(source, payload))
}

// PublishEvent delivers a pre-built event.
func (h *Hub) PublishEvent(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.subs) == 0 {
		h.skipped++
		return
	}
	h.deliver(e)
}

// deliver sends e to every subscriber. Caller must hold h.mu.
func (h *Hub) deliver(e Event) {
	h.published++
	for id, sub := range h.subs {
		select {
		case sub.ch <- e:
		default:
			slog.Warn("event subscriber too slow, dropping", "subscriber", id, "event", e.Type)
			h.dropped++
			h.remove(sub)
		}
	}
}

// remove unregisters sub and closes its channel. Caller must hold h.mu.
func (h *Hub) remove(sub *Subscription) {
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)

	if len(h.subs) == 0 {
		slog.Debug("event hub idle")
		h.notify(false)
	}
}

func (h *Hub) notify(active bool) {
	for _, fn := range h.listeners {
		fn(active)
	}
}

// Stats returns the current hub counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	buffered := 0
	for _, sub := range h.subs {
		buffered += len(sub.ch)
	}
	return Stats{
		Subscribers: len(h.subs),
		Published:   h.published,
		Skipped:     h.skipped,
		Dropped:     h.dropped,
		Buffered:    buffered,
	}
}

// Close drops every subscriber. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, sub := range h.subs {
		h.remove(sub)
	}
}

// Subscription is one observer's registration with the hub.
type Subscription struct {
	id  uint64
	hub *Hub
	ch  chan Event
}

// C returns the channel events are delivered on. It is closed when the
// subscription ends, either by Unsubscribe or because the hub dropped it.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Unsubscribe removes the observer. Safe to call multiple times.
func (s *Subscription) Unsubscribe() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.remove(s)
}
