package aggregate

import (
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/meridianlabs/chronicle/internal/platform/errors"
)

// Factory constructs an empty aggregate ready for replay.
type Factory func() Root

// Registry maps stream names to aggregate factories. The mapping is
// populated explicitly at startup, so type resolution stays statically
// verifiable: no runtime type scanning.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a stream name to a factory. Registering the same name
// twice is a wiring bug and fails.
func (r *Registry) Register(streamName string, factory Factory) error {
	if r == nil {
		return fmt.Errorf("aggregate registry is not configured")
	}
	streamName = strings.TrimSpace(streamName)
	if streamName == "" {
		return fmt.Errorf("stream name is required")
	}
	if factory == nil {
		return fmt.Errorf("factory is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[streamName]; exists {
		return fmt.Errorf("stream name %q is already registered", streamName)
	}
	r.factories[streamName] = factory
	return nil
}

// New constructs an empty aggregate for the stream name.
func (r *Registry) New(streamName string) (Root, error) {
	if r == nil {
		return nil, fmt.Errorf("aggregate registry is not configured")
	}

	r.mu.RLock()
	factory, ok := r.factories[strings.TrimSpace(streamName)]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.WithMetadata(
			apperrors.CodeStreamNameUnknown,
			"no aggregate registered for stream name",
			map[string]string{"stream_name": streamName},
		)
	}

	root := factory()
	if root == nil {
		return nil, fmt.Errorf("factory for stream name %q returned nil", streamName)
	}
	return root, nil
}
