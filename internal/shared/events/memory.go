package events

import (
	"context"
	"sync"
)

// MemoryBus keeps published events in memory and dispatches them synchronously
// to matching subscribers.
type MemoryBus struct {
	mu       sync.Mutex
	events   []Event
	handlers []subscription
}

type subscription struct {
	pattern string
	handler Handler
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	handlers := make([]subscription, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, s := range handlers {
		if matchesPattern(event.Type, s.pattern) {
			if err := s.handler(ctx, event); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, subscription{pattern: pattern, handler: handler})
	return nil
}

func (b *MemoryBus) Close() {}

func (b *MemoryBus) Health() error { return nil }

// Events returns the published events of the given type, or all events when eventType is empty.
func (b *MemoryBus) Events(eventType string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, e := range b.events {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ EventBus = (*MemoryBus)(nil)
	_ EventBus = (*Bus)(nil)
)
