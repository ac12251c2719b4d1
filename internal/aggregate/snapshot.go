package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/meridianlabs/chronicle/internal/event"
	"github.com/meridianlabs/chronicle/internal/storage"
)

// Snapshottable is implemented by aggregates that can capture and restore
// their state as a memento, letting loads skip full replay.
type Snapshottable interface {
	Snapshot() ([]byte, error)
	RestoreSnapshot(data []byte) error
}

// SnapshotConfig controls the snapshotting decorator.
type SnapshotConfig struct {
	// Enabled gates all snapshot behavior; when false every call delegates
	// straight to the inner store.
	Enabled bool
	// Frequency is the number of events between snapshots.
	Frequency int64
}

// snapshotMemento wraps the aggregate state with the stream name so a load
// can resolve the concrete type without reading any events.
type snapshotMemento struct {
	StreamName string          `json:"stream_name"`
	State      json.RawMessage `json:"state"`
}

// SnapshotStore decorates a Store with periodic snapshotting. Loads restore
// from the latest snapshot and replay only the events past its sequence;
// saves capture a new snapshot each time the aggregate's event count
// crosses a multiple of the configured frequency.
type SnapshotStore struct {
	inner    *Store
	events   Events
	registry *Registry
	config   SnapshotConfig
}

// NewSnapshotStore wraps inner with snapshot behavior.
func NewSnapshotStore(inner *Store, config SnapshotConfig) (*SnapshotStore, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner aggregate store is required")
	}
	if config.Enabled && config.Frequency <= 0 {
		return nil, fmt.Errorf("snapshot frequency must be greater than zero")
	}
	return &SnapshotStore{
		inner:    inner,
		events:   inner.events,
		registry: inner.registry,
		config:   config,
	}, nil
}

// Load restores the aggregate from its latest snapshot and replays only the
// events with version past the snapshot's sequence. Without a snapshot, or
// with snapshotting disabled, the load falls back to full replay.
func (s *SnapshotStore) Load(ctx context.Context, streamID string) (Root, error) {
	if s == nil || s.inner == nil {
		return nil, fmt.Errorf("snapshot store is not configured")
	}
	if !s.config.Enabled {
		return s.inner.Load(ctx, streamID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID = strings.TrimSpace(streamID)
	snap, err := s.events.GetLatestSnapshot(ctx, streamID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.inner.Load(ctx, streamID)
		}
		return nil, fmt.Errorf("load snapshot for %s: %w", streamID, err)
	}

	var memento snapshotMemento
	if err := json.Unmarshal(snap.MementoJSON, &memento); err != nil {
		return nil, fmt.Errorf("decode snapshot memento for %s: %w", streamID, err)
	}
	root, err := s.registry.New(memento.StreamName)
	if err != nil {
		return nil, err
	}
	restorable, ok := root.(Snapshottable)
	if !ok {
		return s.inner.Load(ctx, streamID)
	}
	if err := restorable.RestoreSnapshot(memento.State); err != nil {
		return nil, fmt.Errorf("restore snapshot for %s: %w", streamID, err)
	}
	root.SetID(streamID)
	root.setVersion(snap.Sequence)

	for env, err := range s.events.ReadStream(ctx, streamID, snap.Sequence, math.MaxInt) {
		if err != nil {
			return nil, fmt.Errorf("read stream %s past snapshot: %w", streamID, err)
		}
		evt, err := s.inner.decoder.Decode(env)
		if err != nil {
			return nil, fmt.Errorf("decode event %s at version %d: %w", env.EventType, env.StreamVersion, err)
		}
		if err := replay(root, evt, env.StreamVersion); err != nil {
			return nil, fmt.Errorf("replay stream %s at version %d: %w", streamID, env.StreamVersion, err)
		}
	}
	return root, nil
}

// Save delegates the append to the inner store, then stages a snapshot when
// the aggregate's event count reaches an exact multiple of the frequency.
// The snapshot commits in the same flush as the events it captures.
func (s *SnapshotStore) Save(ctx context.Context, root Root) error {
	if s == nil || s.inner == nil {
		return fmt.Errorf("snapshot store is not configured")
	}
	if err := s.inner.Save(ctx, root); err != nil {
		return err
	}
	if !s.config.Enabled || root == nil {
		return nil
	}

	eventCount := root.Version() + 1
	if eventCount <= 0 || eventCount%s.config.Frequency != 0 {
		return nil
	}
	snapshottable, ok := root.(Snapshottable)
	if !ok {
		return nil
	}

	state, err := snapshottable.Snapshot()
	if err != nil {
		return fmt.Errorf("capture snapshot for %s: %w", root.ID(), err)
	}
	memento, err := json.Marshal(snapshotMemento{
		StreamName: root.StreamName(),
		State:      state,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot memento for %s: %w", root.ID(), err)
	}

	return s.events.AppendSnapshot(ctx, event.SnapshotEnvelope{
		OwnerID:     root.ID(),
		Sequence:    root.Version(),
		MementoJSON: memento,
		CreatedAt:   time.Now().UTC(),
	})
}
