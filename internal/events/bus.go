/*
Copyright (C) 2026 KTH EXPECA

SPDX-License-Identifier: Apache-2.0
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventLeaseCreated   EventType = "lease.created"
	EventLeaseStarted   EventType = "lease.started"
	EventLeaseBeforeEnd EventType = "lease.before_end"
	EventLeaseEnded     EventType = "lease.ended"
	EventLeaseDeleted   EventType = "lease.deleted"
	EventLeaseUpdated   EventType = "lease.updated"

	EventReservationHealed  EventType = "reservation.healed"
	EventReservationFlushed EventType = "reservation.flushed"

	EventResourceFailed    EventType = "resource.failed"
	EventResourceRecovered EventType = "resource.recovered"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Publisher is the sending half of a bus. Components publish through it
// so deployments can swap the in-process bus for a bridge that also
// fans events out to other instances.
type Publisher interface {
	Publish(eventType EventType, payload Payload)
}

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Slow subscribers drop.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
