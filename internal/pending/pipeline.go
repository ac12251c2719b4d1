package pending

import (
	"context"
	"fmt"
)

// Flusher commits or discards the rows staged by one unit of work.
type Flusher interface {
	FlushEvents(ctx context.Context) error
	DiscardStaged()
}

// Pipeline runs one logical request end to end: handler, commit, then
// commit-gated publication. Events staged by the handler are published only
// after the flush transaction commits; any failure before that point
// discards them.
type Pipeline struct {
	flusher        Flusher
	publisher      Publisher
	maxDrainPasses int
}

// NewPipeline builds a Pipeline. maxDrainPasses <= 0 selects the default.
func NewPipeline(flusher Flusher, publisher Publisher, maxDrainPasses int) (*Pipeline, error) {
	if flusher == nil {
		return nil, fmt.Errorf("flusher is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if maxDrainPasses <= 0 {
		maxDrainPasses = DefaultMaxDrainPasses
	}
	return &Pipeline{
		flusher:        flusher,
		publisher:      publisher,
		maxDrainPasses: maxDrainPasses,
	}, nil
}

// Execute runs the handler with an isolated buffer for this unit of work,
// flushes on success, and drains the buffer once the commit lands. If the
// handler or the flush fails, staged rows and buffered events are discarded
// and nothing is published.
func (p *Pipeline) Execute(ctx context.Context, buffer *Buffer, handler func(ctx context.Context) error) error {
	if p == nil {
		return fmt.Errorf("pipeline is not configured")
	}
	if buffer == nil {
		return fmt.Errorf("pending buffer is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	if err := handler(ctx); err != nil {
		p.flusher.DiscardStaged()
		buffer.Discard()
		return err
	}

	if err := p.flusher.FlushEvents(ctx); err != nil {
		p.flusher.DiscardStaged()
		buffer.Discard()
		return fmt.Errorf("commit unit of work: %w", err)
	}

	return buffer.Drain(ctx, p.publisher, p.maxDrainPasses)
}
