package websocket

import (
	"fmt"
	"sync"
	"time"

	"github.com/proxmux/proxmux/internal/metrics"
	"github.com/proxmux/proxmux/internal/models"
	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 256

// Subscriber is one consumer of the event stream. Events arrive in publish
// order; the first event after subscribing is always a full state snapshot.
type Subscriber struct {
	id     string
	events chan models.Event
	hub    *Hub
}

// Events returns the subscriber's ordered event stream. The channel closes
// when the subscriber is dropped or closed.
func (s *Subscriber) Events() <-chan models.Event {
	return s.events
}

// ID returns the subscriber identifier, used in logs.
func (s *Subscriber) ID() string {
	return s.id
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
}

// Hub fans out events to all current subscribers. A single broadcast
// sequence drives every subscriber, so per-subscriber delivery order always
// matches publish order and no event is delivered twice.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]bool
	broadcast   chan models.Event
	register    chan *Subscriber
	unregister  chan *Subscriber
	getState    func() models.StateSnapshot
	done        chan struct{}
	stopOnce    sync.Once
}

// NewHub creates a hub. getState supplies the full snapshot served to late
// subscribers and pull requests.
func NewHub(getState func() models.StateSnapshot) *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]bool),
		broadcast:   make(chan models.Event, 256),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		getState:    getState,
		done:        make(chan struct{}),
	}
}

// Run drives the hub until Stop. Registration and broadcast are serialized
// here, so a new subscriber's snapshot and its first live event can never
// interleave with a partial window.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for sub := range h.subscribers {
				delete(h.subscribers, sub)
				close(sub.events)
			}
			h.mu.Unlock()
			return

		case sub := <-h.register:
			snapshot := models.Event{
				Type:      models.EventType("initialState"),
				Data:      h.getState(),
				Timestamp: time.Now(),
			}
			// Buffer is empty at this point, the snapshot always fits.
			sub.events <- snapshot

			h.mu.Lock()
			h.subscribers[sub] = true
			count := len(h.subscribers)
			h.mu.Unlock()
			metrics.SubscribersConnected.Set(float64(count))
			log.Debug().Str("subscriber", sub.id).Int("total", count).Msg("Subscriber registered")

		case sub := <-h.unregister:
			h.dropSubscriber(sub)

		case event := <-h.broadcast:
			h.mu.RLock()
			subs := make([]*Subscriber, 0, len(h.subscribers))
			for sub := range h.subscribers {
				subs = append(subs, sub)
			}
			h.mu.RUnlock()

			for _, sub := range subs {
				select {
				case sub.events <- event:
				default:
					// A subscriber that cannot keep up is dropped rather
					// than reordered or skipped-over.
					log.Warn().Str("subscriber", sub.id).Msg("Subscriber too slow, dropping")
					h.dropSubscriber(sub)
				}
			}
		}
	}
}

func (h *Hub) dropSubscriber(sub *Subscriber) {
	h.mu.Lock()
	if _, ok := h.subscribers[sub]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, sub)
	count := len(h.subscribers)
	h.mu.Unlock()

	close(sub.events)
	metrics.SubscribersConnected.Set(float64(count))
	log.Debug().Str("subscriber", sub.id).Int("total", count).Msg("Subscriber unregistered")
}

// Stop shuts the hub down and closes all subscriber streams.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Subscribe registers a new consumer. The returned subscriber immediately
// receives a full state snapshot event, then the live stream.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:     fmt.Sprintf("sub-%d", time.Now().UnixNano()),
		events: make(chan models.Event, subscriberBuffer),
		hub:    h,
	}

	select {
	case h.register <- sub:
	case <-h.done:
		close(sub.events)
	}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Publish queues an event for fan-out. Events from a single publisher reach
// every subscriber in the order they were published.
func (h *Hub) Publish(event models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type)).Inc()

	select {
	case h.broadcast <- event:
	case <-h.done:
	}
}

// Snapshot serves pull-style refresh requests with the current full state.
func (h *Hub) Snapshot() models.StateSnapshot {
	return h.getState()
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
