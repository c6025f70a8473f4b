// Package events carries job and library notifications from workers to
// real-time observers. Delivery is best-effort and never blocks a producer.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"lyricqueue/internal/models"
	"lyricqueue/internal/telemetry"
)

// ErrTooManySubscribers is returned when the hub is at its subscriber cap.
var ErrTooManySubscribers = errors.New("too many event subscribers")

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, env models.Envelope) error
}

// Discard drops every event. Used when no pub/sub sink is configured.
type Discard struct{}

func (Discard) Publish(context.Context, models.Envelope) error { return nil }

// Hub fans encoded events out to a bounded set of local subscribers.
// Each subscriber has a fixed-size queue; when it is full the oldest
// queued event is dropped to make room.
type Hub struct {
	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	queueSize int
	maxSubs   int
}

// NewHub builds a hub. Non-positive sizes fall back to 200 queued events and
// 4 subscribers.
func NewHub(queueSize, maxSubscribers int) *Hub {
	if queueSize <= 0 {
		queueSize = 200
	}
	if maxSubscribers <= 0 {
		maxSubscribers = 4
	}
	return &Hub{
		subs:      make(map[*Subscription]struct{}),
		queueSize: queueSize,
		maxSubs:   maxSubscribers,
	}
}

// Subscription is one observer's queue.
type Subscription struct {
	hub *Hub
	ch  chan []byte
}

// C yields encoded envelopes. It is closed when the subscription ends.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Close detaches the subscription from its hub. Safe to call twice.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subs[s]; ok {
		delete(s.hub.subs, s)
		close(s.ch)
	}
}

// Subscribe registers a new observer.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) >= h.maxSubs {
		return nil, ErrTooManySubscribers
	}
	sub := &Subscription{hub: h, ch: make(chan []byte, h.queueSize)}
	h.subs[sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the current observer count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast offers msg to every subscriber without blocking.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.offer(msg) {
			telemetry.EventsDropped.WithLabelValues("slow_subscriber").Inc()
		}
	}
}

// Publish encodes env and broadcasts it locally.
func (h *Hub) Publish(_ context.Context, env models.Envelope) error {
	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	h.Broadcast(msg)
	return nil
}

// offer enqueues msg, evicting the oldest entry while the queue is full.
// It reports whether anything was evicted.
func (s *Subscription) offer(msg []byte) bool {
	dropped := false
	for {
		select {
		case s.ch <- msg:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
		default:
		}
	}
}
