package progress

import (
	"context"
	"sync"

	"media-converter/internal/logging"
)

// DefaultSubscriberBuffer is the number of events queued per subscriber
// before further events for that subscriber are dropped.
const DefaultSubscriberBuffer = 64

// Subscription receives the events of one topic until it is closed.
type Subscription struct {
	topic  string
	events chan Event
	hub    *Hub
	once   sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Events returns the receive side of the subscription. The channel is
// closed when the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

// Hub is the in-process topic registry. It maps topics to subscriber sets
// and delivers without blocking: a subscriber whose buffer is full misses
// the event. Late subscribers only see events published after they joined.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
	buffer int
}

// NewHub creates an empty registry. A buffer <= 0 uses DefaultSubscriberBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Name implements Broadcaster.
func (h *Hub) Name() string {
	return "hub"
}

// Subscribe registers a new listener on topic.
func (h *Hub) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic:  topic,
		events: make(chan Event, h.buffer),
		hub:    h,
	}

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	observe().ObserveSubscribers(1)
	logging.Debug("Subscriber joined %s", topic)
	return sub
}

// Unsubscribe removes a listener and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		if subs, ok := h.topics[sub.topic]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.topics, sub.topic)
			}
		}
		// closed under the lock so Broadcast never sends on a closed channel
		close(sub.events)
		h.mu.Unlock()

		observe().ObserveSubscribers(-1)
		logging.Debug("Subscriber left %s", sub.topic)
	})
}

// Broadcast implements Broadcaster. Having no subscribers is not an error.
func (h *Hub) Broadcast(_ context.Context, ev Event) error {
	topic := ev.Topic()

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.topics[topic] {
		select {
		case sub.events <- ev:
		default:
			logging.Warn("Dropping %s event for slow subscriber on %s", ev.Status, topic)
			observe().ObserveDropped(topic)
		}
	}
	return nil
}

// SubscriberCount returns the number of listeners on a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// TopicCount returns the number of topics with at least one listener.
func (h *Hub) TopicCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}
