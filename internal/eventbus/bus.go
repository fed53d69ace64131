// Package eventbus is the in-process lifecycle event bus. Delivery is
// at-least-once per subscriber; events for one session are published in
// transition order, and consumers deduplicate on
// (session_id, generation, new_state).
package eventbus

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cosimhq/cosim/pkg/models"
)

const subscriberBuffer = 256

// Bus fans lifecycle events out to subscribers
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	log    *logrus.Logger
	closed bool
}

type subscription struct {
	topics map[models.EventTopic]bool // nil means all topics
	ch     chan models.LifecycleEvent
}

// New creates an event bus
func New(log *logrus.Logger) *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
		log:  log,
	}
}

// Subscribe registers a consumer for the given topics; no topics means all.
// The returned cancel function drops the subscription.
func (b *Bus) Subscribe(topics ...models.EventTopic) (<-chan models.LifecycleEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[models.EventTopic]bool
	if len(topics) > 0 {
		filter = make(map[models.EventTopic]bool, len(topics))
		for _, t := range topics {
			filter[t] = true
		}
	}

	id := b.nextID
	b.nextID++
	sub := &subscription{topics: filter, ch: make(chan models.LifecycleEvent, subscriberBuffer)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber. A subscriber whose
// buffer is full blocks publication; lifecycle volume is low and per-session
// ordering must hold, so we do not drop.
func (b *Bus) Publish(event models.LifecycleEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.topics != nil && !sub.topics[event.Topic] {
			continue
		}
		sub.ch <- event
	}

	b.log.WithFields(logrus.Fields{
		"topic":      event.Topic,
		"session_id": event.SessionID,
		"generation": event.Generation,
		"reason":     event.Reason,
	}).Debug("event published")
}

// Close drops all subscriptions
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
