package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/meridianlabs/chronicle/internal/event"
	"github.com/meridianlabs/chronicle/internal/storage"
)

// LatestSnapshot returns the snapshot with the highest sequence for the
// owner. Returns storage.ErrNotFound when the owner has no snapshots.
func (s *Store) LatestSnapshot(ctx context.Context, ownerID string) (event.SnapshotEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return event.SnapshotEnvelope{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.SnapshotEnvelope{}, fmt.Errorf("storage is not configured")
	}

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return event.SnapshotEnvelope{}, fmt.Errorf("owner id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT
	owner_id,
	sequence,
	memento_json,
	created_at
FROM snapshots
WHERE owner_id = ?
ORDER BY sequence DESC
LIMIT 1
`, ownerID)

	var snap event.SnapshotEnvelope
	var createdAt int64
	if err := row.Scan(&snap.OwnerID, &snap.Sequence, &snap.MementoJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.SnapshotEnvelope{}, storage.ErrNotFound
		}
		return event.SnapshotEnvelope{}, fmt.Errorf("get latest snapshot: %w", err)
	}
	snap.CreatedAt = fromMillis(createdAt)
	return snap, nil
}
