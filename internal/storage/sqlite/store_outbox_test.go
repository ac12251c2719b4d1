package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meridianlabs/chronicle/internal/storage"
)

func enqueueOutboxFixture(t *testing.T, store *Store, eventID string, now time.Time) {
	t.Helper()
	if err := store.FlushBatch(context.Background(), storage.FlushBatch{Outbox: []storage.OutboxMessage{{
		EventID:     eventID,
		EventType:   "order.placed",
		PayloadJSON: []byte(`{"total":100}`),
		CreatedAt:   now,
	}}}); err != nil {
		t.Fatalf("enqueue outbox message: %v", err)
	}
}

func TestLeaseAndCompleteOutboxMessage(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)

	enqueueOutboxFixture(t, store, "evt-1", now)

	leased, err := store.LeaseOutboxMessages(context.Background(), 10, now, 5*time.Minute)
	if err != nil {
		t.Fatalf("lease outbox messages: %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("leased len = %d, want 1", len(leased))
	}
	if leased[0].EventID != "evt-1" {
		t.Fatalf("leased id = %q, want evt-1", leased[0].EventID)
	}
	if leased[0].Status != storage.OutboxStatusLeased {
		t.Fatalf("leased status = %q, want %q", leased[0].Status, storage.OutboxStatusLeased)
	}
	if !leased[0].VisibleAfter.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("visible after = %v, want %v", leased[0].VisibleAfter, now.Add(5*time.Minute))
	}

	if err := store.CompleteOutboxMessages(context.Background(), []string{"evt-1"}, now.Add(time.Second)); err != nil {
		t.Fatalf("complete outbox message: %v", err)
	}

	msg, err := store.GetOutboxMessage(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("get outbox message: %v", err)
	}
	if msg.Status != storage.OutboxStatusCompleted {
		t.Fatalf("status = %q, want %q", msg.Status, storage.OutboxStatusCompleted)
	}

	// Completed messages never come back.
	again, err := store.LeaseOutboxMessages(context.Background(), 10, now.Add(time.Hour), 5*time.Minute)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second lease len = %d, want 0", len(again))
	}
}

func TestLeaseHidesMessagesUntilExpiry(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 14, 13, 5, 0, 0, time.UTC)

	enqueueOutboxFixture(t, store, "evt-1", now)

	first, err := store.LeaseOutboxMessages(context.Background(), 1, now, 10*time.Minute)
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first lease len = %d, want 1", len(first))
	}

	// Not yet expired.
	second, err := store.LeaseOutboxMessages(context.Background(), 1, now.Add(9*time.Minute), 10*time.Minute)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second lease len = %d, want 0", len(second))
	}

	// An expired lease is reclaimable.
	third, err := store.LeaseOutboxMessages(context.Background(), 1, now.Add(11*time.Minute), 10*time.Minute)
	if err != nil {
		t.Fatalf("third lease: %v", err)
	}
	if len(third) != 1 {
		t.Fatalf("third lease len = %d, want 1", len(third))
	}
	if third[0].EventID != "evt-1" {
		t.Fatalf("reclaimed id = %q, want evt-1", third[0].EventID)
	}
}

func TestLeaseOrdersByVisibilityThenCreation(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 14, 13, 10, 0, 0, time.UTC)

	enqueueOutboxFixture(t, store, "evt-b", now.Add(time.Second))
	enqueueOutboxFixture(t, store, "evt-a", now)

	leased, err := store.LeaseOutboxMessages(context.Background(), 1, now.Add(time.Minute), 5*time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("leased len = %d, want 1", len(leased))
	}
	if leased[0].EventID != "evt-a" {
		t.Fatalf("leased id = %q, want oldest first", leased[0].EventID)
	}
}

func TestFailOutboxMessageReturnsToPending(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 14, 13, 15, 0, 0, time.UTC)

	enqueueOutboxFixture(t, store, "evt-1", now)

	leased, err := store.LeaseOutboxMessages(context.Background(), 1, now, 5*time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease: len=%d err=%v", len(leased), err)
	}

	if err := store.FailOutboxMessage(context.Background(), "evt-1", "publish timeout", 3, now.Add(time.Second)); err != nil {
		t.Fatalf("fail outbox message: %v", err)
	}

	msg, err := store.GetOutboxMessage(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("get outbox message: %v", err)
	}
	if msg.Status != storage.OutboxStatusPending {
		t.Fatalf("status = %q, want %q", msg.Status, storage.OutboxStatusPending)
	}
	if msg.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", msg.AttemptCount)
	}
	if msg.LastError != "publish timeout" {
		t.Fatalf("last error = %q, want publish timeout", msg.LastError)
	}

	// The failed message keeps its visibility deadline: it is not
	// re-dequeuable before the lease it held would have expired.
	early, err := store.LeaseOutboxMessages(context.Background(), 1, now.Add(time.Minute), 5*time.Minute)
	if err != nil {
		t.Fatalf("early lease: %v", err)
	}
	if len(early) != 0 {
		t.Fatalf("early lease len = %d, want 0", len(early))
	}
	late, err := store.LeaseOutboxMessages(context.Background(), 1, now.Add(6*time.Minute), 5*time.Minute)
	if err != nil {
		t.Fatalf("late lease: %v", err)
	}
	if len(late) != 1 {
		t.Fatalf("late lease len = %d, want 1", len(late))
	}
}

func TestFailOutboxMessageExhaustsAttempts(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 14, 13, 20, 0, 0, time.UTC)

	enqueueOutboxFixture(t, store, "evt-1", now)

	at := now
	for attempt := 0; attempt < 2; attempt++ {
		leased, err := store.LeaseOutboxMessages(context.Background(), 1, at, time.Minute)
		if err != nil || len(leased) != 1 {
			t.Fatalf("lease attempt %d: len=%d err=%v", attempt, len(leased), err)
		}
		if err := store.FailOutboxMessage(context.Background(), "evt-1", "broker unavailable", 2, at); err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		at = at.Add(2 * time.Minute)
	}

	msg, err := store.GetOutboxMessage(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("get outbox message: %v", err)
	}
	if msg.Status != storage.OutboxStatusFailed {
		t.Fatalf("status = %q, want %q", msg.Status, storage.OutboxStatusFailed)
	}
	if msg.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", msg.AttemptCount)
	}

	// Failed is terminal: no lease picks it up.
	leased, err := store.LeaseOutboxMessages(context.Background(), 1, at.Add(time.Hour), time.Minute)
	if err != nil {
		t.Fatalf("lease after failure: %v", err)
	}
	if len(leased) != 0 {
		t.Fatalf("leased len = %d, want 0", len(leased))
	}
}

func TestFailOutboxMessageRequiresLease(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 14, 13, 25, 0, 0, time.UTC)

	enqueueOutboxFixture(t, store, "evt-1", now)

	err := store.FailOutboxMessage(context.Background(), "evt-1", "not leased", 3, now)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unleased fail, got %v", err)
	}
}

func TestCompleteOutboxMessageRequiresLease(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 14, 13, 30, 0, 0, time.UTC)

	enqueueOutboxFixture(t, store, "evt-1", now)

	err := store.CompleteOutboxMessages(context.Background(), []string{"evt-1"}, now)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unleased complete, got %v", err)
	}
}

func TestRequeueFailedOutboxMessage(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 14, 13, 35, 0, 0, time.UTC)

	enqueueOutboxFixture(t, store, "evt-1", now)
	leased, err := store.LeaseOutboxMessages(context.Background(), 1, now, time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease: len=%d err=%v", len(leased), err)
	}
	if err := store.FailOutboxMessage(context.Background(), "evt-1", "schema mismatch", 1, now); err != nil {
		t.Fatalf("fail: %v", err)
	}

	requeued, err := store.RequeueFailedOutboxMessage(context.Background(), "evt-1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if !requeued {
		t.Fatal("expected requeue to change a row")
	}

	msg, err := store.GetOutboxMessage(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("get outbox message: %v", err)
	}
	if msg.Status != storage.OutboxStatusPending {
		t.Fatalf("status = %q, want %q", msg.Status, storage.OutboxStatusPending)
	}
	if msg.AttemptCount != 0 {
		t.Fatalf("attempt count = %d, want reset to 0", msg.AttemptCount)
	}

	// Requeue only applies to failed messages.
	again, err := store.RequeueFailedOutboxMessage(context.Background(), "evt-1", now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("second requeue: %v", err)
	}
	if again {
		t.Fatal("expected no row change for pending message")
	}
}

func TestOutboxSummary(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 14, 13, 40, 0, 0, time.UTC)

	enqueueOutboxFixture(t, store, "evt-1", now)
	enqueueOutboxFixture(t, store, "evt-2", now.Add(time.Second))
	enqueueOutboxFixture(t, store, "evt-3", now.Add(2*time.Second))

	leased, err := store.LeaseOutboxMessages(context.Background(), 1, now.Add(time.Minute), 5*time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease: len=%d err=%v", len(leased), err)
	}
	if err := store.CompleteOutboxMessages(context.Background(), []string{leased[0].EventID}, now.Add(time.Minute)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	summary, err := store.OutboxSummary(context.Background())
	if err != nil {
		t.Fatalf("outbox summary: %v", err)
	}
	if summary.PendingCount != 2 {
		t.Fatalf("pending = %d, want 2", summary.PendingCount)
	}
	if summary.CompletedCount != 1 {
		t.Fatalf("completed = %d, want 1", summary.CompletedCount)
	}
	if summary.OldestPendingID != "evt-2" {
		t.Fatalf("oldest pending = %q, want evt-2", summary.OldestPendingID)
	}
}

func TestListOutboxMessagesByStatus(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 14, 13, 45, 0, 0, time.UTC)

	enqueueOutboxFixture(t, store, "evt-1", now)
	enqueueOutboxFixture(t, store, "evt-2", now.Add(time.Second))

	pending, err := store.ListOutboxMessages(context.Background(), storage.OutboxStatusPending, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending len = %d, want 2", len(pending))
	}
	if pending[0].EventID != "evt-2" {
		t.Fatalf("pending[0] = %q, want newest first", pending[0].EventID)
	}

	all, err := store.ListOutboxMessages(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all len = %d, want 2", len(all))
	}

	completed, err := store.ListOutboxMessages(context.Background(), storage.OutboxStatusCompleted, 10)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(completed) != 0 {
		t.Fatalf("completed len = %d, want 0", len(completed))
	}
}
