// Package outbox implements the transactional outbox: integration events
// are staged next to the domain events that caused them, committed in the
// same transaction, and later delivered by a polling scheduler with
// lease-based dequeue.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/meridianlabs/chronicle/internal/platform/id"
	"github.com/meridianlabs/chronicle/internal/storage"
)

// defaultMaxAttempts bounds delivery attempts before a message is parked
// as failed for manual triage.
const defaultMaxAttempts = 5

// IntegrationEvent is one outward-bound event to enqueue. EventID is
// assigned when empty.
type IntegrationEvent struct {
	EventID     string
	EventType   string
	PayloadJSON []byte
}

// Store stages integration events for the next flush and fronts the durable
// outbox queue. Staged rows become durable only when the enclosing unit of
// work commits; the queue operations always act on committed rows.
type Store struct {
	log         storage.OutboxLog
	maxAttempts int

	mu     sync.Mutex
	staged []storage.OutboxMessage
}

// New builds an outbox Store over the durable queue. maxAttempts <= 0
// selects the default.
func New(log storage.OutboxLog, maxAttempts int) (*Store, error) {
	if log == nil {
		return nil, fmt.Errorf("outbox log is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Store{log: log, maxAttempts: maxAttempts}, nil
}

// Enqueue stages integration events as pending outbox rows for the next
// flush, guaranteeing they commit with their triggering domain change or
// not at all. Returns the event IDs in input order.
func (s *Store) Enqueue(ctx context.Context, events []IntegrationEvent) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.log == nil {
		return nil, fmt.Errorf("outbox store is not configured")
	}
	if len(events) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	eventIDs := make([]string, 0, len(events))
	rows := make([]storage.OutboxMessage, 0, len(events))
	for _, evt := range events {
		eventType := strings.TrimSpace(evt.EventType)
		if eventType == "" {
			return nil, fmt.Errorf("event type is required")
		}
		eventID := strings.TrimSpace(evt.EventID)
		if eventID == "" {
			eventID = id.NewID()
		}
		rows = append(rows, storage.OutboxMessage{
			EventID:      eventID,
			EventType:    eventType,
			PayloadJSON:  evt.PayloadJSON,
			Status:       storage.OutboxStatusPending,
			VisibleAfter: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		eventIDs = append(eventIDs, eventID)
	}

	s.mu.Lock()
	s.staged = append(s.staged, rows...)
	s.mu.Unlock()
	return eventIDs, nil
}

// TakeStaged removes and returns the staged rows for inclusion in the
// flush transaction.
func (s *Store) TakeStaged() []storage.OutboxMessage {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	taken := s.staged
	s.staged = nil
	return taken
}

// StagedCount reports how many rows await the next flush.
func (s *Store) StagedCount() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.staged)
}

// Dequeue claims up to maxEvents due messages under a lease of
// visibilityTimeout. Messages claimed here are invisible to concurrent
// dequeuers until the lease expires or the message is finalized.
func (s *Store) Dequeue(ctx context.Context, maxEvents int, visibilityTimeout time.Duration) ([]storage.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.log == nil {
		return nil, fmt.Errorf("outbox store is not configured")
	}
	return s.log.LeaseOutboxMessages(ctx, maxEvents, time.Now().UTC(), visibilityTimeout)
}

// Complete finalizes delivered messages.
func (s *Store) Complete(ctx context.Context, eventIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.log == nil {
		return fmt.Errorf("outbox store is not configured")
	}
	if len(eventIDs) == 0 {
		return nil
	}
	return s.log.CompleteOutboxMessages(ctx, eventIDs, time.Now().UTC())
}

// Fail records failed delivery attempts. Each failure is applied
// independently so one bad message never blocks its siblings; errors are
// joined.
func (s *Store) Fail(ctx context.Context, failures []storage.OutboxFailure) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.log == nil {
		return fmt.Errorf("outbox store is not configured")
	}

	now := time.Now().UTC()
	var errs []error
	for _, failure := range failures {
		if err := s.log.FailOutboxMessage(ctx, failure.EventID, failure.Error, s.maxAttempts, now); err != nil {
			errs = append(errs, fmt.Errorf("fail outbox message %s: %w", failure.EventID, err))
		}
	}
	return errors.Join(errs...)
}

// Get returns one committed outbox message by event ID.
func (s *Store) Get(ctx context.Context, eventID string) (storage.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return storage.OutboxMessage{}, err
	}
	if s == nil || s.log == nil {
		return storage.OutboxMessage{}, fmt.Errorf("outbox store is not configured")
	}
	return s.log.GetOutboxMessage(ctx, eventID)
}

// Summary reports queue depth by status for operational triage.
func (s *Store) Summary(ctx context.Context) (storage.OutboxSummary, error) {
	if err := ctx.Err(); err != nil {
		return storage.OutboxSummary{}, err
	}
	if s == nil || s.log == nil {
		return storage.OutboxSummary{}, fmt.Errorf("outbox store is not configured")
	}
	return s.log.OutboxSummary(ctx)
}

// List returns committed messages, optionally filtered by status.
func (s *Store) List(ctx context.Context, status string, limit int) ([]storage.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.log == nil {
		return nil, fmt.Errorf("outbox store is not configured")
	}
	return s.log.ListOutboxMessages(ctx, status, limit)
}

// Requeue returns one terminally failed message to pending after a fix.
func (s *Store) Requeue(ctx context.Context, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.log == nil {
		return false, fmt.Errorf("outbox store is not configured")
	}
	return s.log.RequeueFailedOutboxMessage(ctx, eventID, time.Now().UTC())
}
