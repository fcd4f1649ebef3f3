// Package events carries order and position lifecycle notifications between
// the router, the lifecycle monitor, and the alert sink.
package events

import "sync"

// Topic enumerates the notification channels inside the engine.
type Topic string

const (
	TopicOrderSubmitted Topic = "order.submitted"
	TopicOrderFilled    Topic = "order.filled"
	TopicOrderRejected  Topic = "order.rejected"

	TopicPositionOpened Topic = "position.opened"
	TopicPositionClosed Topic = "position.closed"

	TopicLifecycleAlert Topic = "lifecycle.alert"
)

// Bus is a lightweight in-process pub/sub broker.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan any
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan any)}
}

// Subscribe registers a listener for a topic and returns the channel plus an
// unsubscribe function.
func (b *Bus) Subscribe(t Topic, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[t] = append(b.subs[t], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[t]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[t] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish fans the payload out to subscribers without blocking; a slow
// subscriber loses the message rather than stalling the publisher.
func (b *Bus) Publish(t Topic, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[t] {
		select {
		case ch <- payload:
		default:
		}
	}
}
