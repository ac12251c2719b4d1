// Package eventstore provides the append-only event log API: staged appends
// with optimistic concurrency, snapshot access, ordered reads, polling
// subscriptions, and the single flush call that commits one unit of work.
package eventstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/meridianlabs/chronicle/internal/event"
	apperrors "github.com/meridianlabs/chronicle/internal/platform/errors"
	"github.com/meridianlabs/chronicle/internal/platform/id"
	"github.com/meridianlabs/chronicle/internal/platform/timeouts"
	"github.com/meridianlabs/chronicle/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chronicle/eventstore")

// readPageSize bounds how many envelopes a single storage read returns.
// Reads and subscriptions page through results in chunks of this size.
const readPageSize = 100

// EventData describes one event to append: its type name, the stream kind it
// belongs to, and the serialized payload. The store assigns the event ID and
// stream version.
type EventData struct {
	EventType   string
	StreamName  string
	PayloadJSON []byte
	OccurredAt  time.Time
}

// OutboxSource supplies staged outbox rows at flush time so integration
// events commit in the same transaction as the domain events that caused
// them.
type OutboxSource interface {
	TakeStaged() []storage.OutboxMessage
}

// Option configures a Store.
type Option func(*Store)

// WithOutboxSource wires an outbox staging area into the flush transaction.
func WithOutboxSource(source OutboxSource) Option {
	return func(s *Store) {
		s.outbox = source
	}
}

// WithPollInterval overrides how long subscriptions sleep when a poll finds
// no new events.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Store) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// Store is the event store for one unit of work. Appends and snapshots are
// staged in memory and become durable only when FlushEvents commits them.
// Reads and subscriptions always see committed state. A Store must not be
// shared across concurrent units of work.
type Store struct {
	backend      storage.Store
	outbox       OutboxSource
	pollInterval time.Duration

	mu              sync.Mutex
	stagedEvents    []event.Envelope
	stagedSnapshots []event.SnapshotEnvelope
	stagedOutbox    []storage.OutboxMessage
	stagedVersions  map[string]int64
}

// New builds a Store over the given storage backend.
func New(backend storage.Store, opts ...Option) *Store {
	s := &Store{
		backend:        backend,
		pollInterval:   timeouts.SubscriptionPoll,
		stagedVersions: make(map[string]int64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// AppendToStream stages events for the stream and returns the resulting
// stream version along with the assigned event IDs. When expected is exact,
// a mismatch against the current version fails immediately with a
// concurrency-conflict error; this pre-check is a fast-fail optimization,
// the storage uniqueness constraint remains the real safety net at commit.
// Appending zero events is a no-op that echoes the current version back.
func (s *Store) AppendToStream(ctx context.Context, streamID string, events []EventData, expected ExpectedVersion) (int64, []string, error) {
	if err := ctx.Err(); err != nil {
		return event.EmptyStreamVersion, nil, err
	}
	if s == nil || s.backend == nil {
		return event.EmptyStreamVersion, nil, fmt.Errorf("event store is not configured")
	}

	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return event.EmptyStreamVersion, nil, apperrors.New(apperrors.CodeStreamIDEmpty, "stream id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.currentVersionLocked(ctx, streamID)
	if err != nil {
		return event.EmptyStreamVersion, nil, fmt.Errorf("read stream version: %w", err)
	}
	if !expected.IsAny() && expected.Version() != current {
		return event.EmptyStreamVersion, nil, apperrors.WithMetadata(
			apperrors.CodeConcurrencyConflict,
			"stream version mismatch",
			map[string]string{
				"stream_id": streamID,
				"expected":  expected.String(),
				"actual":    fmt.Sprintf("%d", current),
			},
		)
	}
	if len(events) == 0 {
		return current, nil, nil
	}

	assignedIDs := make([]string, 0, len(events))
	version := current
	for _, data := range events {
		eventType := strings.TrimSpace(data.EventType)
		if eventType == "" {
			return event.EmptyStreamVersion, nil, fmt.Errorf("event type is required")
		}
		occurredAt := data.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = time.Now().UTC()
		}

		version++
		eventID := id.NewID()
		s.stagedEvents = append(s.stagedEvents, event.Envelope{
			EventID:       eventID,
			EventType:     eventType,
			StreamID:      streamID,
			StreamName:    strings.TrimSpace(data.StreamName),
			StreamVersion: version,
			PayloadJSON:   data.PayloadJSON,
			OccurredAt:    occurredAt,
			Status:        event.StatusActive,
		})
		assignedIDs = append(assignedIDs, eventID)
	}
	s.stagedVersions[streamID] = version

	return version, assignedIDs, nil
}

// currentVersionLocked resolves the stream version visible to this unit of
// work: staged appends chain onto each other before anything is committed.
func (s *Store) currentVersionLocked(ctx context.Context, streamID string) (int64, error) {
	if staged, ok := s.stagedVersions[streamID]; ok {
		return staged, nil
	}
	return s.backend.StreamVersion(ctx, streamID)
}

// GetStreamVersion returns the highest committed stream version, or
// event.EmptyStreamVersion when the stream does not exist.
func (s *Store) GetStreamVersion(ctx context.Context, streamID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return event.EmptyStreamVersion, err
	}
	if s == nil || s.backend == nil {
		return event.EmptyStreamVersion, fmt.Errorf("event store is not configured")
	}

	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return event.EmptyStreamVersion, apperrors.New(apperrors.CodeStreamIDEmpty, "stream id is required")
	}
	return s.backend.StreamVersion(ctx, streamID)
}

// AppendSnapshot stages one snapshot for commit with the next flush.
func (s *Store) AppendSnapshot(ctx context.Context, snapshot event.SnapshotEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.backend == nil {
		return fmt.Errorf("event store is not configured")
	}
	if strings.TrimSpace(snapshot.OwnerID) == "" {
		return fmt.Errorf("snapshot owner id is required")
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stagedSnapshots = append(s.stagedSnapshots, snapshot)
	return nil
}

// GetLatestSnapshot returns the committed snapshot with the highest sequence
// for the owner, or storage.ErrNotFound when none exists.
func (s *Store) GetLatestSnapshot(ctx context.Context, ownerID string) (event.SnapshotEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return event.SnapshotEnvelope{}, err
	}
	if s == nil || s.backend == nil {
		return event.SnapshotEnvelope{}, fmt.Errorf("event store is not configured")
	}
	return s.backend.LatestSnapshot(ctx, ownerID)
}

// DeleteStream removes a committed stream immediately and drops anything
// staged for it in this unit of work.
func (s *Store) DeleteStream(ctx context.Context, streamID string, hardDelete bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.backend == nil {
		return fmt.Errorf("event store is not configured")
	}

	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return apperrors.New(apperrors.CodeStreamIDEmpty, "stream id is required")
	}

	s.mu.Lock()
	s.dropStagedStreamLocked(streamID)
	s.mu.Unlock()

	return s.backend.DeleteStream(ctx, streamID, hardDelete)
}

// TruncateStream removes committed events with stream version strictly less
// than beforeVersion. A no-op for a missing stream.
func (s *Store) TruncateStream(ctx context.Context, streamID string, beforeVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.backend == nil {
		return fmt.Errorf("event store is not configured")
	}

	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return apperrors.New(apperrors.CodeStreamIDEmpty, "stream id is required")
	}
	return s.backend.TruncateStream(ctx, streamID, beforeVersion)
}

// FlushEvents commits everything staged by this unit of work, plus any
// staged outbox rows, in one transaction. On failure nothing is committed
// and the staged state is kept so the caller decides whether to discard.
func (s *Store) FlushEvents(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.backend == nil {
		return fmt.Errorf("event store is not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := storage.FlushBatch{
		Events:    s.stagedEvents,
		Snapshots: s.stagedSnapshots,
	}
	if s.outbox != nil {
		s.stagedOutbox = append(s.stagedOutbox, s.outbox.TakeStaged()...)
	}
	batch.Outbox = s.stagedOutbox
	if len(batch.Events) == 0 && len(batch.Snapshots) == 0 && len(batch.Outbox) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "eventstore.flush", trace.WithAttributes(
		attribute.Int("flush.events", len(batch.Events)),
		attribute.Int("flush.snapshots", len(batch.Snapshots)),
		attribute.Int("flush.outbox", len(batch.Outbox)),
	))
	defer span.End()

	if err := s.backend.FlushBatch(ctx, batch); err != nil {
		span.RecordError(err)
		return fmt.Errorf("flush events: %w", err)
	}
	s.clearStagedLocked()
	return nil
}

// DiscardStaged drops every staged row without committing. Used when the
// unit of work fails after staging.
func (s *Store) DiscardStaged() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearStagedLocked()
}

// StagedEventCount reports how many events are staged and uncommitted.
func (s *Store) StagedEventCount() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stagedEvents)
}

func (s *Store) clearStagedLocked() {
	s.stagedEvents = nil
	s.stagedSnapshots = nil
	s.stagedOutbox = nil
	s.stagedVersions = make(map[string]int64)
}

func (s *Store) dropStagedStreamLocked(streamID string) {
	kept := s.stagedEvents[:0]
	for _, env := range s.stagedEvents {
		if env.StreamID != streamID {
			kept = append(kept, env)
		}
	}
	s.stagedEvents = kept
	delete(s.stagedVersions, streamID)
}
