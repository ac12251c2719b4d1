// Package storage defines the persistence boundary for the event log,
// snapshots, and the transactional outbox. Implementations live in
// subpackages (sqlite).
package storage

import (
	"context"
	"time"

	"github.com/meridianlabs/chronicle/internal/event"
	apperrors "github.com/meridianlabs/chronicle/internal/platform/errors"
)

// ErrNotFound indicates a requested persistence record is missing.
// Callers use this to differentiate between legitimate "no such record"
// states and transport or data corruption failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrConcurrencyConflict indicates an append lost an optimistic concurrency
// race: the unique (stream id, stream version) constraint rejected a row.
// The store never retries these; retry policy belongs to the caller.
var ErrConcurrencyConflict = apperrors.New(apperrors.CodeConcurrencyConflict, "stream version conflict")

// Outbox message statuses. A message is never simultaneously completed and
// failed; once completed it is immutable.
const (
	OutboxStatusPending   = "pending"
	OutboxStatusLeased    = "leased"
	OutboxStatusCompleted = "completed"
	OutboxStatusFailed    = "failed"
)

// OutboxMessage is one durable integration event awaiting delivery.
type OutboxMessage struct {
	EventID      string
	EventType    string
	PayloadJSON  []byte
	Status       string
	VisibleAfter time.Time
	AttemptCount int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OutboxFailure reports one failed delivery attempt.
type OutboxFailure struct {
	EventID string
	Error   string
}

// OutboxSummary reports queue depth by status and the oldest pending message.
type OutboxSummary struct {
	PendingCount    int
	LeasedCount     int
	CompletedCount  int
	FailedCount     int
	OldestPendingID string
	OldestPendingAt time.Time
}

// FlushBatch carries every row staged by one unit of work. The batch commits
// atomically: event rows and outbox rows land together or not at all.
type FlushBatch struct {
	Events    []event.Envelope
	Snapshots []event.SnapshotEnvelope
	Outbox    []OutboxMessage
}

// EventLog owns the append-only event journal reads and stream maintenance.
type EventLog interface {
	// StreamVersion returns the highest persisted stream version for the
	// stream, or event.EmptyStreamVersion if the stream has no rows.
	StreamVersion(ctx context.Context, streamID string) (int64, error)
	// ListStreamEvents returns active events with stream version strictly
	// greater than afterVersion, ordered ascending, capped at limit.
	ListStreamEvents(ctx context.Context, streamID string, afterVersion int64, limit int) ([]event.Envelope, error)
	// ListAllEvents returns active events with global sequence strictly
	// greater than afterSeq across all streams, ordered ascending.
	ListAllEvents(ctx context.Context, afterSeq int64, limit int) ([]event.Envelope, error)
	// DeleteStream removes a stream. A hard delete removes rows; a soft
	// delete flips their status, leaving version numbering intact.
	DeleteStream(ctx context.Context, streamID string, hardDelete bool) error
	// TruncateStream removes rows with stream version strictly less than
	// beforeVersion. A no-op when the stream does not exist.
	TruncateStream(ctx context.Context, streamID string, beforeVersion int64) error
}

// SnapshotLog reads persisted aggregate snapshots.
type SnapshotLog interface {
	// LatestSnapshot returns the snapshot with the highest sequence for the
	// owner. Returns ErrNotFound when the owner has no snapshots.
	LatestSnapshot(ctx context.Context, ownerID string) (event.SnapshotEnvelope, error)
}

// OutboxLog owns lease-based delivery state for integration events.
// Leasing is the only cross-process mutual exclusion in the system and is
// time-bound: a crashed leaser's messages become reprocessable.
type OutboxLog interface {
	// LeaseOutboxMessages atomically claims up to limit messages that are
	// pending and visible, or leased with an expired lease, flipping them to
	// leased until now+visibility.
	LeaseOutboxMessages(ctx context.Context, limit int, now time.Time, visibility time.Duration) ([]OutboxMessage, error)
	// CompleteOutboxMessages marks leased messages as completed (terminal).
	CompleteOutboxMessages(ctx context.Context, eventIDs []string, now time.Time) error
	// FailOutboxMessage records a failed attempt. With attempts remaining the
	// message returns to pending, re-dequeuable once its lease expires; at
	// maxAttempts it becomes failed (terminal).
	FailOutboxMessage(ctx context.Context, eventID, lastError string, maxAttempts int, now time.Time) error
	// GetOutboxMessage returns one message by event id.
	GetOutboxMessage(ctx context.Context, eventID string) (OutboxMessage, error)
	// OutboxSummary returns queue depth by status and oldest pending metadata.
	OutboxSummary(ctx context.Context) (OutboxSummary, error)
	// ListOutboxMessages lists messages optionally filtered by status.
	ListOutboxMessages(ctx context.Context, status string, limit int) ([]OutboxMessage, error)
	// RequeueFailedOutboxMessage transitions one terminally failed message
	// back to pending for a retry after a fix. Reports whether a row changed.
	RequeueFailedOutboxMessage(ctx context.Context, eventID string, now time.Time) (bool, error)
}

// Flusher commits one staged unit of work.
type Flusher interface {
	// FlushBatch writes the batch in a single transaction, assigning global
	// sequence numbers. Transient storage contention is retried internally;
	// a unique-constraint rejection surfaces as ErrConcurrencyConflict and
	// is never retried.
	FlushBatch(ctx context.Context, batch FlushBatch) error
}

// Store is the composite interface for all persistence concerns used by the
// event store, the aggregate path, and the outbox publisher.
type Store interface {
	EventLog
	SnapshotLog
	OutboxLog
	Flusher
	Close() error
}
