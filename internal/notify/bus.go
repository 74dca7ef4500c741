package notify

import (
	"context"
	"sync"
)

// Subscriber handles an event delivered by the Bus.
type Subscriber func(Event)

// Bus is an in-process publisher that dispatches events to subscribers,
// either for one entity type or for all of them.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EntityType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[EntityType][]Subscriber)}
}

// Subscribe registers a subscriber for one entity type.
func (b *Bus) Subscribe(typ EntityType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[typ] = append(b.subscribers[typ], sub)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish calls subscribers synchronously in registration order.
func (b *Bus) Publish(_ context.Context, evt Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers[evt.Type])+len(b.allSubs))
	subs = append(subs, b.subscribers[evt.Type]...)
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	for _, s := range subs {
		s(evt)
	}
	return nil
}
