// Package events is a minimal in-process pub/sub bus. Components subscribe
// to named topics instead of holding references to each other, which keeps
// the registry, pipeline, and observability layers acyclic.
package events

import "sync"

// Event is a named payload published on the bus.
type Event struct {
	Topic  string
	Fields map[string]any
}

// Handler consumes one event. Handlers must not block; slow consumers should
// hand off to their own goroutine.
type Handler func(Event)

// Bus dispatches events to subscribers by topic. The zero value is unusable;
// call NewBus.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]Handler)}
}

// Subscribe registers h for the given topic. "*" subscribes to every topic.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish delivers the event to topic subscribers and wildcard subscribers,
// synchronously and in subscription order.
func (b *Bus) Publish(topic string, fields map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[topic]...)
	handlers = append(handlers, b.subs["*"]...)
	b.mu.RUnlock()

	ev := Event{Topic: topic, Fields: fields}
	for _, h := range handlers {
		h(ev)
	}
}
