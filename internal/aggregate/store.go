package aggregate

import (
	"context"
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/meridianlabs/chronicle/internal/event"
	"github.com/meridianlabs/chronicle/internal/eventstore"
	apperrors "github.com/meridianlabs/chronicle/internal/platform/errors"
	"github.com/meridianlabs/chronicle/internal/pending"
)

// Events is what the aggregate path needs from the event store.
type Events interface {
	AppendToStream(ctx context.Context, streamID string, events []eventstore.EventData, expected eventstore.ExpectedVersion) (int64, []string, error)
	ReadStream(ctx context.Context, streamID string, fromVersion int64, maxCount int) iter.Seq2[event.Envelope, error]
	AppendSnapshot(ctx context.Context, snapshot event.SnapshotEnvelope) error
	GetLatestSnapshot(ctx context.Context, ownerID string) (event.SnapshotEnvelope, error)
}

// Loader loads and saves aggregates. Store implements it directly;
// SnapshotStore decorates it.
type Loader interface {
	Load(ctx context.Context, streamID string) (Root, error)
	Save(ctx context.Context, root Root) error
}

// Store replays aggregates from their full event history and stages their
// uncommitted events through the event store. Saved events are registered
// in the unit of work's pending buffer for commit-gated publication.
type Store struct {
	events   Events
	registry *Registry
	decoder  *event.Registry
	buffer   *pending.Buffer
}

// NewStore builds the aggregate store for one unit of work.
func NewStore(events Events, registry *Registry, decoder *event.Registry, buffer *pending.Buffer) (*Store, error) {
	if events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("aggregate registry is required")
	}
	if decoder == nil {
		return nil, fmt.Errorf("event registry is required")
	}
	if buffer == nil {
		return nil, fmt.Errorf("pending buffer is required")
	}
	return &Store{
		events:   events,
		registry: registry,
		decoder:  decoder,
		buffer:   buffer,
	}, nil
}

// Load rehydrates the aggregate behind streamID by replaying its full
// committed history in order. The concrete type is resolved from the first
// envelope's stream name. An empty history is a not-found error; a
// non-empty history that replays into an uninitialized aggregate is a
// distinct rehydration failure, signalling corrupted or incompatible data.
func (s *Store) Load(ctx context.Context, streamID string) (Root, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.events == nil {
		return nil, fmt.Errorf("aggregate store is not configured")
	}

	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, apperrors.New(apperrors.CodeStreamIDEmpty, "stream id is required")
	}

	var root Root
	replayed := 0
	for env, err := range s.events.ReadStream(ctx, streamID, event.EmptyStreamVersion, math.MaxInt) {
		if err != nil {
			return nil, fmt.Errorf("read stream %s: %w", streamID, err)
		}
		if root == nil {
			constructed, err := s.registry.New(env.StreamName)
			if err != nil {
				return nil, err
			}
			root = constructed
			root.SetID(streamID)
		}

		evt, err := s.decoder.Decode(env)
		if err != nil {
			return nil, apperrors.Wrap(
				apperrors.CodeRehydrationFailed,
				fmt.Sprintf("decode event %s at version %d", env.EventType, env.StreamVersion),
				err,
			)
		}
		if err := replay(root, evt, env.StreamVersion); err != nil {
			return nil, apperrors.Wrap(
				apperrors.CodeRehydrationFailed,
				fmt.Sprintf("replay stream %s at version %d", streamID, env.StreamVersion),
				err,
			)
		}
		replayed++
	}

	if replayed == 0 {
		return nil, apperrors.WithMetadata(
			apperrors.CodeStreamNotFound,
			"aggregate has no event history",
			map[string]string{"stream_id": streamID},
		)
	}
	if !root.Initialized() {
		return nil, apperrors.WithMetadata(
			apperrors.CodeRehydrationFailed,
			"replay produced an uninitialized aggregate",
			map[string]string{"stream_id": streamID},
		)
	}
	return root, nil
}

// Save stages the aggregate's uncommitted events through the event store
// with an expected version computed from the aggregate's speculative
// in-memory version, then registers the batch in the pending buffer.
// Publication and the aggregate's ClearUncommitted both wait for the
// enclosing transaction to commit. Saving with no uncommitted events is a
// no-op.
func (s *Store) Save(ctx context.Context, root Root) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.events == nil {
		return fmt.Errorf("aggregate store is not configured")
	}
	if root == nil {
		return fmt.Errorf("aggregate is required")
	}

	events := root.Uncommitted()
	if len(events) == 0 {
		return nil
	}

	data := make([]eventstore.EventData, 0, len(events))
	for _, evt := range events {
		payload, err := event.Encode(evt)
		if err != nil {
			return fmt.Errorf("encode %s: %w", evt.EventName(), err)
		}
		data = append(data, eventstore.EventData{
			EventType:   evt.EventName(),
			StreamName:  root.StreamName(),
			PayloadJSON: payload,
		})
	}

	// The aggregate advanced its version when each event was raised, so
	// the version on disk should be the current one minus the staged count.
	expected := eventstore.Exact(root.Version() - int64(len(events)))
	if _, _, err := s.events.AppendToStream(ctx, root.ID(), data, expected); err != nil {
		return err
	}

	return s.buffer.Register(pending.Batch{
		Events:        events,
		MarkCommitted: root.ClearUncommitted,
	})
}
