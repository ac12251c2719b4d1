// Package aggregate loads and saves event-sourced aggregates: replay-based
// rehydration with factory lookup by stream name, save-time staging through
// the event store, and an optional snapshotting decorator.
package aggregate

import (
	"fmt"

	"github.com/meridianlabs/chronicle/internal/event"
)

// Root is the contract for an event-sourced aggregate. Concrete aggregates
// embed Base for identity, version, and uncommitted-event bookkeeping, and
// implement StreamName plus Apply for their state transitions.
type Root interface {
	// ID returns the aggregate's stream id.
	ID() string
	// SetID assigns the stream id, typically during creation or load.
	SetID(id string)
	// StreamName returns the stream kind used for factory lookup.
	StreamName() string
	// Version returns the stream version of the last applied event, or
	// event.EmptyStreamVersion for a fresh instance.
	Version() int64
	// Apply transitions aggregate state for one event.
	Apply(evt event.Event) error
	// Initialized reports whether replay produced a usable aggregate. A
	// non-empty history that leaves this false signals corrupted or
	// incompatible event data.
	Initialized() bool

	// Uncommitted returns events raised but not yet durably committed.
	Uncommitted() []event.Event
	// ClearUncommitted drops staged events after a durable commit.
	ClearUncommitted()

	recordRaised(evt event.Event)
	setVersion(version int64)
}

// Base is the embeddable bookkeeping half of Root.
type Base struct {
	id          string
	version     int64
	initialized bool
	uncommitted []event.Event
}

// NewBase returns bookkeeping state for a fresh, unversioned aggregate.
func NewBase() Base {
	return Base{version: event.EmptyStreamVersion}
}

// ID returns the aggregate's stream id.
func (b *Base) ID() string { return b.id }

// SetID assigns the stream id and marks the aggregate initialized.
func (b *Base) SetID(id string) {
	b.id = id
	if id != "" {
		b.initialized = true
	}
}

// Version returns the stream version of the last applied event.
func (b *Base) Version() int64 { return b.version }

// Initialized reports whether the aggregate holds a usable identity.
func (b *Base) Initialized() bool { return b.initialized }

// Uncommitted returns a copy of events raised but not yet committed.
func (b *Base) Uncommitted() []event.Event {
	return append([]event.Event(nil), b.uncommitted...)
}

// ClearUncommitted drops staged events after a durable commit.
func (b *Base) ClearUncommitted() {
	b.uncommitted = nil
}

func (b *Base) recordRaised(evt event.Event) {
	b.uncommitted = append(b.uncommitted, evt)
}

func (b *Base) setVersion(version int64) {
	b.version = version
}

// Raise applies a new event to the aggregate, advances its in-memory
// version, and records the event as uncommitted. The version advances
// speculatively: durability comes later, through Store.Save and the flush.
func Raise(root Root, evt event.Event) error {
	if root == nil {
		return fmt.Errorf("aggregate is required")
	}
	if evt == nil {
		return fmt.Errorf("event is required")
	}
	if err := root.Apply(evt); err != nil {
		return fmt.Errorf("apply %s: %w", evt.EventName(), err)
	}
	root.setVersion(root.Version() + 1)
	root.recordRaised(evt)
	return nil
}

// replay applies one committed event at its persisted version without
// recording it as uncommitted.
func replay(root Root, evt event.Event, version int64) error {
	if err := root.Apply(evt); err != nil {
		return fmt.Errorf("apply %s: %w", evt.EventName(), err)
	}
	root.setVersion(version)
	return nil
}
