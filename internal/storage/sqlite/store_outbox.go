package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meridianlabs/chronicle/internal/storage"
)

// LeaseOutboxMessages atomically claims up to limit due messages for one
// dequeuer. A message is due when it is pending and visible, or still
// marked leased past its visibility deadline (a crashed leaser). Claimed
// messages flip to leased until now+visibility.
//
// Candidates are selected first, then each is claimed with a conditional
// UPDATE inside the same transaction so concurrent dequeuers never claim
// the same row twice.
func (s *Store) LeaseOutboxMessages(ctx context.Context, limit int, now time.Time, visibility time.Duration) ([]storage.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if visibility <= 0 {
		return nil, fmt.Errorf("visibility timeout must be greater than zero")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()
	visibleAfter := now.Add(visibility)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("start lease transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT event_id
FROM outbox
WHERE status IN (?, ?)
AND visible_after <= ?
ORDER BY visible_after ASC, created_at ASC, event_id ASC
LIMIT ?
`,
		storage.OutboxStatusPending,
		storage.OutboxStatusLeased,
		toMillis(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select lease candidates: %w", err)
	}
	candidateIDs := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan lease candidate: %w", scanErr)
		}
		candidateIDs = append(candidateIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate lease candidates: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close lease candidates: %w", err)
	}
	if len(candidateIDs) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit empty lease transaction: %w", err)
		}
		return []storage.OutboxMessage{}, nil
	}

	leased := make([]storage.OutboxMessage, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		result, updateErr := tx.ExecContext(ctx, `
UPDATE outbox
SET
	status = ?,
	visible_after = ?,
	updated_at = ?
WHERE event_id = ?
AND status IN (?, ?)
AND visible_after <= ?
`,
			storage.OutboxStatusLeased,
			toMillis(visibleAfter),
			toMillis(now),
			id,
			storage.OutboxStatusPending,
			storage.OutboxStatusLeased,
			toMillis(now),
		)
		if updateErr != nil {
			return nil, fmt.Errorf("lease outbox message %s: %w", id, updateErr)
		}
		rowsAffected, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return nil, fmt.Errorf("lease rows affected for %s: %w", id, rowsErr)
		}
		if rowsAffected == 0 {
			continue
		}

		row := tx.QueryRowContext(ctx, outboxSelectSQL+`
WHERE event_id = ?
`, id)
		msg, scanErr := scanOutboxMessage(row.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan leased outbox message %s: %w", id, scanErr)
		}
		leased = append(leased, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease transaction: %w", err)
	}
	return leased, nil
}

// CompleteOutboxMessages marks leased messages as completed. Completion is
// terminal: completed rows never re-enter delivery.
func (s *Store) CompleteOutboxMessages(ctx context.Context, eventIDs []string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(eventIDs) == 0 {
		return nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start complete transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, id := range eventIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("event id is required")
		}
		result, err := tx.ExecContext(ctx, `
UPDATE outbox
SET
	status = ?,
	last_error = '',
	updated_at = ?
WHERE event_id = ?
AND status = ?
`,
			storage.OutboxStatusCompleted,
			toMillis(now),
			id,
			storage.OutboxStatusLeased,
		)
		if err != nil {
			return fmt.Errorf("complete outbox message %s: %w", id, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("complete rows affected for %s: %w", id, err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("outbox message %s: %w", id, storage.ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete transaction: %w", err)
	}
	return nil
}

// FailOutboxMessage records one failed delivery attempt for a leased
// message. With attempts remaining the message returns to pending and keeps
// its visibility deadline, so it is not re-dequeued before the lease it held
// would have expired. At maxAttempts the message becomes failed, a terminal
// state requiring an explicit requeue.
func (s *Store) FailOutboxMessage(ctx context.Context, eventID, lastError string, maxAttempts int, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	eventID = strings.TrimSpace(eventID)
	lastError = strings.TrimSpace(lastError)
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}
	if maxAttempts <= 0 {
		return fmt.Errorf("max attempts must be greater than zero")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE outbox
SET
	attempt_count = attempt_count + 1,
	status = CASE WHEN attempt_count + 1 >= ? THEN ? ELSE ? END,
	last_error = ?,
	updated_at = ?
WHERE event_id = ?
AND status = ?
`,
		maxAttempts,
		storage.OutboxStatusFailed,
		storage.OutboxStatusPending,
		lastError,
		toMillis(now),
		eventID,
		storage.OutboxStatusLeased,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("outbox message %s: %w", eventID, storage.ErrNotFound)
	}
	return nil
}

// GetOutboxMessage returns one outbox message by event ID.
func (s *Store) GetOutboxMessage(ctx context.Context, eventID string) (storage.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return storage.OutboxMessage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.OutboxMessage{}, fmt.Errorf("storage is not configured")
	}

	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return storage.OutboxMessage{}, fmt.Errorf("event id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, outboxSelectSQL+`
WHERE event_id = ?
`, eventID)
	msg, err := scanOutboxMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.OutboxMessage{}, storage.ErrNotFound
		}
		return storage.OutboxMessage{}, fmt.Errorf("get outbox message: %w", err)
	}
	return msg, nil
}

// OutboxSummary returns queue depth by status plus the oldest pending
// message, for operational triage.
func (s *Store) OutboxSummary(ctx context.Context) (storage.OutboxSummary, error) {
	if err := ctx.Err(); err != nil {
		return storage.OutboxSummary{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.OutboxSummary{}, fmt.Errorf("storage is not configured")
	}

	var summary storage.OutboxSummary
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT status, COUNT(*)
FROM outbox
GROUP BY status
`)
	if err != nil {
		return storage.OutboxSummary{}, fmt.Errorf("count outbox messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return storage.OutboxSummary{}, fmt.Errorf("scan outbox count: %w", err)
		}
		switch status {
		case storage.OutboxStatusPending:
			summary.PendingCount = count
		case storage.OutboxStatusLeased:
			summary.LeasedCount = count
		case storage.OutboxStatusCompleted:
			summary.CompletedCount = count
		case storage.OutboxStatusFailed:
			summary.FailedCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return storage.OutboxSummary{}, fmt.Errorf("iterate outbox counts: %w", err)
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT event_id, created_at
FROM outbox
WHERE status = ?
ORDER BY created_at ASC, event_id ASC
LIMIT 1
`, storage.OutboxStatusPending)
	var createdAt int64
	if err := row.Scan(&summary.OldestPendingID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return summary, nil
		}
		return storage.OutboxSummary{}, fmt.Errorf("get oldest pending: %w", err)
	}
	summary.OldestPendingAt = fromMillis(createdAt)
	return summary, nil
}

// ListOutboxMessages lists messages newest-first, optionally filtered by
// status. An empty status lists every message.
func (s *Store) ListOutboxMessages(ctx context.Context, status string, limit int) ([]storage.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	status = strings.TrimSpace(status)
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.sqlDB.QueryContext(ctx, outboxSelectSQL+`
ORDER BY created_at DESC, event_id DESC
LIMIT ?
`, limit)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx, outboxSelectSQL+`
WHERE status = ?
ORDER BY created_at DESC, event_id DESC
LIMIT ?
`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list outbox messages: %w", err)
	}
	defer rows.Close()

	messages := make([]storage.OutboxMessage, 0, limit)
	for rows.Next() {
		msg, scanErr := scanOutboxMessage(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan outbox message: %w", scanErr)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}
	return messages, nil
}

// RequeueFailedOutboxMessage transitions one terminally failed message back
// to pending so delivery can be retried after a fix. The attempt counter
// resets and the message becomes immediately visible. Reports whether a row
// changed.
func (s *Store) RequeueFailedOutboxMessage(ctx context.Context, eventID string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE outbox
SET
	status = ?,
	attempt_count = 0,
	visible_after = ?,
	last_error = '',
	updated_at = ?
WHERE event_id = ?
AND status = ?
`,
		storage.OutboxStatusPending,
		toMillis(now),
		toMillis(now),
		eventID,
		storage.OutboxStatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("requeue outbox message: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("requeue rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

const outboxSelectSQL = `
SELECT
	event_id,
	event_type,
	payload_json,
	status,
	visible_after,
	attempt_count,
	last_error,
	created_at,
	updated_at
FROM outbox
`

type outboxScanner func(dest ...any) error

func scanOutboxMessage(scan outboxScanner) (storage.OutboxMessage, error) {
	var msg storage.OutboxMessage
	var visibleAfter int64
	var createdAt int64
	var updatedAt int64
	if err := scan(
		&msg.EventID,
		&msg.EventType,
		&msg.PayloadJSON,
		&msg.Status,
		&visibleAfter,
		&msg.AttemptCount,
		&msg.LastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.OutboxMessage{}, err
	}
	msg.VisibleAfter = fromMillis(visibleAfter)
	msg.CreatedAt = fromMillis(createdAt)
	msg.UpdatedAt = fromMillis(updatedAt)
	return msg, nil
}
