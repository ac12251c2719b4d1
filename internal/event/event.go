// Package event defines the domain event contract and the persisted envelope
// shapes used by the event store.
package event

import "time"

// EmptyStreamVersion is the version reported for a stream with no events.
// The first event appended to a stream is stored at version 0.
const EmptyStreamVersion int64 = -1

// Event is a domain or integration event. EventName identifies the concrete
// type on the wire and is used to resolve decoders and handlers.
type Event interface {
	EventName() string
}

// Status marks whether a persisted event row is live or soft-deleted.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Envelope is one persisted event row.
//
// Stream versions are zero-based and gapless within a stream. The global
// sequence is assigned by storage on commit and is strictly increasing
// across all streams.
type Envelope struct {
	EventID       string
	EventType     string
	StreamID      string
	StreamName    string
	StreamVersion int64
	GlobalSeq     int64
	PayloadJSON   []byte
	OccurredAt    time.Time
	Status        Status
}

// SnapshotEnvelope is a persisted aggregate state checkpoint.
//
// Snapshots are accelerators for replay, not the source of authority: the
// sequence records the stream version the memento captures, and later
// snapshots supersede earlier ones without deleting them.
type SnapshotEnvelope struct {
	OwnerID     string
	Sequence    int64
	MementoJSON []byte
	CreatedAt   time.Time
}
