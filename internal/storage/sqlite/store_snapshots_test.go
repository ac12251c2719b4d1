package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meridianlabs/chronicle/internal/event"
	"github.com/meridianlabs/chronicle/internal/storage"
)

func TestLatestSnapshotNotFound(t *testing.T) {
	store := openTempStore(t)

	if _, err := store.LatestSnapshot(context.Background(), "order-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLatestSnapshotReturnsHighestSequence(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	if err := store.FlushBatch(context.Background(), storage.FlushBatch{Snapshots: []event.SnapshotEnvelope{
		{OwnerID: "order-1", Sequence: 9, MementoJSON: []byte(`{"total":90}`), CreatedAt: now},
		{OwnerID: "order-1", Sequence: 19, MementoJSON: []byte(`{"total":190}`), CreatedAt: now.Add(time.Minute)},
		{OwnerID: "order-2", Sequence: 29, MementoJSON: []byte(`{"total":290}`), CreatedAt: now},
	}}); err != nil {
		t.Fatalf("flush snapshots: %v", err)
	}

	snap, err := store.LatestSnapshot(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if snap.Sequence != 19 {
		t.Fatalf("sequence = %d, want 19", snap.Sequence)
	}
	if string(snap.MementoJSON) != `{"total":190}` {
		t.Fatalf("memento = %s, want total 190", snap.MementoJSON)
	}
	if !snap.CreatedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("created at = %v, want %v", snap.CreatedAt, now.Add(time.Minute))
	}
}

func TestSnapshotSameSequenceOverwrites(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 14, 12, 5, 0, 0, time.UTC)

	if err := store.FlushBatch(context.Background(), storage.FlushBatch{Snapshots: []event.SnapshotEnvelope{
		{OwnerID: "order-1", Sequence: 9, MementoJSON: []byte(`{"total":90}`), CreatedAt: now},
	}}); err != nil {
		t.Fatalf("flush first snapshot: %v", err)
	}
	if err := store.FlushBatch(context.Background(), storage.FlushBatch{Snapshots: []event.SnapshotEnvelope{
		{OwnerID: "order-1", Sequence: 9, MementoJSON: []byte(`{"total":91}`), CreatedAt: now.Add(time.Second)},
	}}); err != nil {
		t.Fatalf("flush overwrite snapshot: %v", err)
	}

	snap, err := store.LatestSnapshot(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if string(snap.MementoJSON) != `{"total":91}` {
		t.Fatalf("memento = %s, want overwritten value", snap.MementoJSON)
	}
}
