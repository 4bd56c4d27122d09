// Package events carries change notifications from the storage layer to
// downstream consumers such as the search indexer. Delivery is synchronous,
// in process, and best effort: a failing subscriber never fails the write
// that produced the event.
package events

import (
	"context"
	"log"
	"sync"

	"github.com/rpattn/engraph/internal/domain"
	"github.com/rpattn/engraph/internal/metrics"
)

// Subscriber consumes change events. Handle errors are logged, not
// propagated; subscribers own their retries.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, event domain.Event) error
}

// Bus is the process-wide fan-out channel. Publish happens after the durable
// commit, never inside the storage transaction path.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a consumer for all subsequent events.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
}

// Publish delivers the event to every subscriber in registration order. A
// panicking or failing subscriber is contained and logged.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(event.Kind()).Inc()
	for _, sub := range subs {
		b.deliver(ctx, sub, event)
	}
}

func (b *Bus) deliver(ctx context.Context, sub Subscriber, event domain.Event) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[EVENTS] subscriber %s panicked on %s: %v", sub.Name(), event.Kind(), p)
		}
	}()
	if err := sub.Handle(ctx, event); err != nil {
		log.Printf("[EVENTS] subscriber %s failed on %s: %v", sub.Name(), event.Kind(), err)
	}
}
