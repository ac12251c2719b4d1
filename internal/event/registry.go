package event

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Factory constructs an empty instance of a concrete event type, ready to be
// populated from a serialized payload.
type Factory func() Event

// Registry maps event type names to factories. Registration happens at
// startup so the mapping is statically verifiable; lookup never scans types
// at runtime.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty event type registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds an event type name to its factory. Registering the same
// name twice is an error so wiring mistakes fail loudly at startup.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("event type name is required")
	}
	if factory == nil {
		return fmt.Errorf("event factory is required for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("event type %q is already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Decode reconstructs a typed event from an envelope payload.
func (r *Registry) Decode(env Envelope) (Event, error) {
	r.mu.RLock()
	factory, ok := r.factories[env.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no factory registered for event type %q", env.EventType)
	}
	evt := factory()
	if err := json.Unmarshal(env.PayloadJSON, evt); err != nil {
		return nil, fmt.Errorf("decode event %s (%s): %w", env.EventID, env.EventType, err)
	}
	return evt, nil
}

// Encode serializes a typed event into a payload for persistence.
func Encode(evt Event) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", evt.EventName(), err)
	}
	return payload, nil
}
