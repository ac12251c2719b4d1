package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/meridianlabs/chronicle/internal/event"
	apperrors "github.com/meridianlabs/chronicle/internal/platform/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes one committed envelope. Returning an error halts
// watermark advancement; the subscription retries the same position after
// the polling interval.
type Handler func(ctx context.Context, envelope event.Envelope) error

// Subscription is one cancellable polling loop over committed events.
// Close cancels the loop and awaits its completion before returning.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Close stops the subscription, waiting for in-flight handler work to
// finish. The expected cancellation signal is swallowed; any other loop
// failure is returned.
func (sub *Subscription) Close() error {
	if sub == nil {
		return nil
	}
	sub.cancel()
	<-sub.done
	if sub.err != nil && !errors.Is(sub.err, context.Canceled) {
		return sub.err
	}
	return nil
}

// SubscribeToStream starts a polling subscription over one stream, invoking
// handler sequentially for each envelope with stream version strictly
// greater than fromVersion.
func (s *Store) SubscribeToStream(ctx context.Context, streamID string, fromVersion int64, handler Handler) (*Subscription, error) {
	if s == nil || s.backend == nil {
		return nil, fmt.Errorf("event store is not configured")
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, apperrors.New(apperrors.CodeStreamIDEmpty, "stream id is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	fetch := func(ctx context.Context, after int64) ([]event.Envelope, error) {
		return s.backend.ListStreamEvents(ctx, streamID, after, readPageSize)
	}
	position := func(env event.Envelope) int64 {
		return env.StreamVersion
	}
	return s.startSubscription(ctx, fromVersion, fetch, position, handler), nil
}

// SubscribeToAllStreams starts a polling subscription over the full log,
// ordered by global sequence, starting strictly after fromGlobalPosition.
func (s *Store) SubscribeToAllStreams(ctx context.Context, fromGlobalPosition int64, handler Handler) (*Subscription, error) {
	if s == nil || s.backend == nil {
		return nil, fmt.Errorf("event store is not configured")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	fetch := func(ctx context.Context, after int64) ([]event.Envelope, error) {
		return s.backend.ListAllEvents(ctx, after, readPageSize)
	}
	position := func(env event.Envelope) int64 {
		return env.GlobalSeq
	}
	return s.startSubscription(ctx, fromGlobalPosition, fetch, position, handler), nil
}

func (s *Store) startSubscription(
	parent context.Context,
	from int64,
	fetch func(ctx context.Context, after int64) ([]event.Envelope, error),
	position func(event.Envelope) int64,
	handler Handler,
) *Subscription {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sub := &Subscription{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		sub.err = s.runSubscriptionLoop(ctx, from, fetch, position, handler)
	}()

	return sub
}

// runSubscriptionLoop polls for new envelopes past the watermark, dispatches
// them sequentially, and sleeps when a poll comes back empty. The watermark
// only advances past an envelope its handler accepted.
func (s *Store) runSubscriptionLoop(
	ctx context.Context,
	from int64,
	fetch func(ctx context.Context, after int64) ([]event.Envelope, error),
	position func(event.Envelope) int64,
	handler Handler,
) error {
	watermark := from
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := fetch(ctx, watermark)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("subscription fetch after %d: %v", watermark, err)
			if sleepErr := sleepContext(ctx, s.pollInterval); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		if len(page) > 0 {
			var dispatched int
			watermark, dispatched, err = s.dispatchPage(ctx, page, watermark, position, handler)
			if err != nil {
				return err
			}
			if dispatched == len(page) {
				continue
			}
		}
		if sleepErr := sleepContext(ctx, s.pollInterval); sleepErr != nil {
			return sleepErr
		}
	}
}

// dispatchPage invokes the handler for each envelope in order. The returned
// watermark covers only accepted envelopes; a handler failure stops the page
// without surfacing an error so the loop retries from the same position.
func (s *Store) dispatchPage(
	ctx context.Context,
	page []event.Envelope,
	watermark int64,
	position func(event.Envelope) int64,
	handler Handler,
) (int64, int, error) {
	ctx, span := tracer.Start(ctx, "eventstore.subscription.dispatch",
		trace.WithAttributes(attribute.Int("page.events", len(page))))
	defer span.End()

	dispatched := 0
	for _, env := range page {
		if err := ctx.Err(); err != nil {
			return watermark, dispatched, err
		}
		if err := handler(ctx, env); err != nil {
			if ctx.Err() != nil {
				return watermark, dispatched, ctx.Err()
			}
			span.RecordError(err)
			log.Printf("subscription handler event %s: %v", env.EventID, err)
			return watermark, dispatched, nil
		}
		watermark = position(env)
		dispatched++
	}
	return watermark, dispatched, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
