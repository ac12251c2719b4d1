// Package pending holds domain events staged during one unit of work until
// its transaction commits. Events are published only after the commit; a
// failed unit of work discards its buffer unpublished.
package pending

import (
	"context"
	"fmt"
	"sync"

	"github.com/meridianlabs/chronicle/internal/event"
	apperrors "github.com/meridianlabs/chronicle/internal/platform/errors"
)

// DefaultMaxDrainPasses bounds how many times a drain re-checks the buffer
// for batches staged by cascading handlers before giving up.
const DefaultMaxDrainPasses = 16

// Publisher delivers one committed domain event to its subscribers.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// Batch is one aggregate save's worth of events plus the callback that tells
// the aggregate its events are durably committed.
type Batch struct {
	Events        []event.Event
	MarkCommitted func()
}

// Buffer stages batches for one in-flight unit of work. A Buffer must never
// be shared across concurrent units of work: batch callbacks belong to the
// aggregates of exactly one request.
type Buffer struct {
	mu      sync.Mutex
	batches []Batch
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Register stages one batch for publication after commit.
func (b *Buffer) Register(batch Batch) error {
	if b == nil {
		return fmt.Errorf("pending buffer is not configured")
	}
	if len(batch.Events) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, batch)
	return nil
}

// Len reports the number of staged batches.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

// Discard drops every staged batch without publishing. Used when the unit
// of work fails to commit.
func (b *Buffer) Discard() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = nil
}

// Drain publishes every staged batch in order, invoking each batch's commit
// callback after its events are delivered. Publishing can cascade: handlers
// may stage further batches, so the drain repeats in passes until the buffer
// is empty, bounded by maxPasses. Hitting the bound with batches still
// staged returns a drain-incomplete error with the residual count; the
// residual batches stay in the buffer for the caller to inspect.
func (b *Buffer) Drain(ctx context.Context, publisher Publisher, maxPasses int) error {
	if b == nil {
		return fmt.Errorf("pending buffer is not configured")
	}
	if publisher == nil {
		return fmt.Errorf("publisher is required")
	}
	if maxPasses <= 0 {
		maxPasses = DefaultMaxDrainPasses
	}

	for pass := 0; pass < maxPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		batches := b.take()
		if len(batches) == 0 {
			return nil
		}

		for i, batch := range batches {
			if err := b.publishBatch(ctx, publisher, batch); err != nil {
				b.restore(batches[i+1:])
				return err
			}
		}
	}

	residual := b.Len()
	if residual == 0 {
		return nil
	}
	return apperrors.WithMetadata(
		apperrors.CodeDrainIncomplete,
		"pending event cascade did not settle",
		map[string]string{"residual_batches": fmt.Sprintf("%d", residual)},
	)
}

func (b *Buffer) publishBatch(ctx context.Context, publisher Publisher, batch Batch) error {
	for _, evt := range batch.Events {
		if err := publisher.Publish(ctx, evt); err != nil {
			return fmt.Errorf("publish %s: %w", evt.EventName(), err)
		}
	}
	if batch.MarkCommitted != nil {
		batch.MarkCommitted()
	}
	return nil
}

// take removes and returns the staged batches. Batches staged afterwards
// (by cascading handlers) land in a fresh slice for the next pass.
func (b *Buffer) take() []Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	taken := b.batches
	b.batches = nil
	return taken
}

// restore puts unprocessed batches back at the front of the buffer after a
// publish failure so nothing staged is silently dropped.
func (b *Buffer) restore(batches []Batch) {
	if len(batches) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(append([]Batch(nil), batches...), b.batches...)
}
