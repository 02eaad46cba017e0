package events

import (
	"context"
	"sync"

	"github.com/taskhub/taskhub/pkg/observability"
)

// Bus is the in-process Publisher. Handlers run in their own goroutines;
// a failing or slow subscriber never blocks the publishing request.
type Bus struct {
	logger observability.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
	wg       sync.WaitGroup
}

// NewBus creates an event bus.
func NewBus(logger observability.Logger) *Bus {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Bus{
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

// Publish dispatches the event to subscribers of its type and to wildcard
// subscribers. Events published after Close are dropped.
func (b *Bus) Publish(ctx context.Context, event *DomainEvent) {
	if event == nil {
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.wg.Add(len(handlers))
	b.mu.RUnlock()

	for _, handler := range handlers {
		go func(h Handler) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Event handler panicked", map[string]interface{}{
						"event_type": event.Type,
						"panic":      r,
					})
				}
			}()
			if err := h(ctx, event); err != nil {
				b.logger.Warn("Event handler failed", map[string]interface{}{
					"event_type": event.Type,
					"event_id":   event.ID.String(),
					"error":      err.Error(),
				})
			}
		}(handler)
	}
}

// Subscribe registers a handler for an event type; "*" receives everything.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Close stops dispatch and waits for handlers already in flight.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.handlers = make(map[string][]Handler)
	b.mu.Unlock()

	b.wg.Wait()
}
