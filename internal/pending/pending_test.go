package pending

import (
	"context"
	"errors"
	"testing"

	"github.com/meridianlabs/chronicle/internal/event"
	apperrors "github.com/meridianlabs/chronicle/internal/platform/errors"
)

type orderPlaced struct{}

func (orderPlaced) EventName() string { return "order.placed" }

type orderShipped struct{}

func (orderShipped) EventName() string { return "order.shipped" }

type recordingPublisher struct {
	published []string
	fail      map[string]error
	onPublish func(evt event.Event)
}

func (p *recordingPublisher) Publish(_ context.Context, evt event.Event) error {
	if err, ok := p.fail[evt.EventName()]; ok {
		return err
	}
	p.published = append(p.published, evt.EventName())
	if p.onPublish != nil {
		p.onPublish(evt)
	}
	return nil
}

func TestDrainPublishesAndMarksCommitted(t *testing.T) {
	buffer := NewBuffer()
	committed := 0
	if err := buffer.Register(Batch{
		Events:        []event.Event{orderPlaced{}, orderShipped{}},
		MarkCommitted: func() { committed++ },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	publisher := &recordingPublisher{}
	if err := buffer.Drain(context.Background(), publisher, 0); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(publisher.published) != 2 {
		t.Fatalf("published = %v, want 2 events", publisher.published)
	}
	if publisher.published[0] != "order.placed" || publisher.published[1] != "order.shipped" {
		t.Fatalf("publish order = %v", publisher.published)
	}
	if committed != 1 {
		t.Fatalf("committed = %d, want 1", committed)
	}
	if buffer.Len() != 0 {
		t.Fatalf("buffer len = %d, want 0", buffer.Len())
	}
}

func TestRegisterEmptyBatchIsNoOp(t *testing.T) {
	buffer := NewBuffer()
	if err := buffer.Register(Batch{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if buffer.Len() != 0 {
		t.Fatalf("buffer len = %d, want 0", buffer.Len())
	}
}

func TestDrainCascadeSettles(t *testing.T) {
	buffer := NewBuffer()
	if err := buffer.Register(Batch{Events: []event.Event{orderPlaced{}}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Publishing order.placed stages a follow-up batch, as a reacting
	// handler would.
	publisher := &recordingPublisher{}
	publisher.onPublish = func(evt event.Event) {
		if evt.EventName() == "order.placed" {
			if err := buffer.Register(Batch{Events: []event.Event{orderShipped{}}}); err != nil {
				t.Fatalf("register cascade: %v", err)
			}
		}
	}

	if err := buffer.Drain(context.Background(), publisher, 0); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(publisher.published) != 2 {
		t.Fatalf("published = %v, want cascade delivered", publisher.published)
	}
	if buffer.Len() != 0 {
		t.Fatalf("buffer len = %d, want 0", buffer.Len())
	}
}

func TestDrainUnboundedCascadeHitsPassLimit(t *testing.T) {
	buffer := NewBuffer()
	if err := buffer.Register(Batch{Events: []event.Event{orderPlaced{}}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Every publish stages another batch: the cascade never settles.
	publisher := &recordingPublisher{}
	publisher.onPublish = func(event.Event) {
		if err := buffer.Register(Batch{Events: []event.Event{orderPlaced{}}}); err != nil {
			t.Fatalf("register cascade: %v", err)
		}
	}

	err := buffer.Drain(context.Background(), publisher, 4)
	if !apperrors.Is(err, apperrors.CodeDrainIncomplete) {
		t.Fatalf("expected drain-incomplete error, got %v", err)
	}
	if buffer.Len() == 0 {
		t.Fatal("expected residual batches to stay in the buffer")
	}
}

func TestDrainPublishFailureKeepsRemainingBatches(t *testing.T) {
	buffer := NewBuffer()
	if err := buffer.Register(Batch{Events: []event.Event{orderPlaced{}}}); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := buffer.Register(Batch{Events: []event.Event{orderShipped{}}}); err != nil {
		t.Fatalf("register second: %v", err)
	}

	busErr := errors.New("bus down")
	publisher := &recordingPublisher{fail: map[string]error{"order.placed": busErr}}

	err := buffer.Drain(context.Background(), publisher, 0)
	if !errors.Is(err, busErr) {
		t.Fatalf("expected publish error, got %v", err)
	}
	if buffer.Len() != 1 {
		t.Fatalf("buffer len = %d, want 1 unprocessed batch kept", buffer.Len())
	}
}

func TestDiscardDropsBatches(t *testing.T) {
	buffer := NewBuffer()
	committed := 0
	if err := buffer.Register(Batch{
		Events:        []event.Event{orderPlaced{}},
		MarkCommitted: func() { committed++ },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	buffer.Discard()
	if buffer.Len() != 0 {
		t.Fatalf("buffer len = %d, want 0", buffer.Len())
	}

	publisher := &recordingPublisher{}
	if err := buffer.Drain(context.Background(), publisher, 0); err != nil {
		t.Fatalf("drain after discard: %v", err)
	}
	if len(publisher.published) != 0 {
		t.Fatalf("published = %v, want nothing", publisher.published)
	}
	if committed != 0 {
		t.Fatalf("committed = %d, want 0", committed)
	}
}
