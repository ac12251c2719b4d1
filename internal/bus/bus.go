// Package bus dispatches committed domain events to in-process handlers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/meridianlabs/chronicle/internal/event"
)

// Handler reacts to one committed domain event.
type Handler func(ctx context.Context, evt event.Event) error

// Bus routes events to handlers subscribed by event name. Dispatch is
// sequential and synchronous: handlers run in subscription order on the
// publishing goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for every event whose EventName matches.
func (b *Bus) Subscribe(eventName string, handler Handler) error {
	if b == nil {
		return fmt.Errorf("bus is not configured")
	}
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return fmt.Errorf("event name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventName] = append(b.handlers[eventName], handler)
	return nil
}

// Publish dispatches the event to every subscribed handler in order. Every
// handler runs even when an earlier one fails; failures are joined into the
// returned error. Publishing an event nobody subscribes to is a no-op.
func (b *Bus) Publish(ctx context.Context, evt event.Event) error {
	if b == nil {
		return fmt.Errorf("bus is not configured")
	}
	if evt == nil {
		return fmt.Errorf("event is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	handlers := b.handlers[evt.EventName()]
	b.mu.RUnlock()

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("handle %s: %w", evt.EventName(), err))
		}
	}
	return errors.Join(errs...)
}
