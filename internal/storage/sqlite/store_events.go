package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/meridianlabs/chronicle/internal/event"
)

// StreamVersion returns the highest persisted stream version for the stream,
// counting soft-deleted rows so version numbering never regresses.
func (s *Store) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return event.EmptyStreamVersion, err
	}
	if s == nil || s.sqlDB == nil {
		return event.EmptyStreamVersion, fmt.Errorf("storage is not configured")
	}

	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return event.EmptyStreamVersion, fmt.Errorf("stream id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT stream_version
FROM events
WHERE stream_id = ?
ORDER BY stream_version DESC
LIMIT 1
`, streamID)

	var version int64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.EmptyStreamVersion, nil
		}
		return event.EmptyStreamVersion, fmt.Errorf("get stream version: %w", err)
	}
	return version, nil
}

// ListStreamEvents returns active events for one stream with stream version
// strictly greater than afterVersion, ordered ascending, capped at limit.
func (s *Store) ListStreamEvents(ctx context.Context, streamID string, afterVersion int64, limit int) ([]event.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	global_seq,
	event_id,
	event_type,
	stream_id,
	stream_name,
	stream_version,
	payload_json,
	occurred_at,
	status
FROM events
WHERE stream_id = ?
AND stream_version > ?
AND status = ?
ORDER BY stream_version ASC
LIMIT ?
`, streamID, afterVersion, string(event.StatusActive), limit)
	if err != nil {
		return nil, fmt.Errorf("list stream events: %w", err)
	}
	defer rows.Close()

	return scanEnvelopes(rows)
}

// ListAllEvents returns active events across all streams with global
// sequence strictly greater than afterSeq, ordered ascending.
func (s *Store) ListAllEvents(ctx context.Context, afterSeq int64, limit int) ([]event.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	global_seq,
	event_id,
	event_type,
	stream_id,
	stream_name,
	stream_version,
	payload_json,
	occurred_at,
	status
FROM events
WHERE global_seq > ?
AND status = ?
ORDER BY global_seq ASC
LIMIT ?
`, afterSeq, string(event.StatusActive), limit)
	if err != nil {
		return nil, fmt.Errorf("list all events: %w", err)
	}
	defer rows.Close()

	return scanEnvelopes(rows)
}

// DeleteStream removes a stream. A hard delete removes the rows outright; a
// soft delete flips their status so version numbering stays intact and the
// rows drop out of reads.
func (s *Store) DeleteStream(ctx context.Context, streamID string, hardDelete bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return fmt.Errorf("stream id is required")
	}

	if hardDelete {
		if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM events WHERE stream_id = ?
`, streamID); err != nil {
			return fmt.Errorf("delete stream: %w", err)
		}
		return nil
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
UPDATE events SET status = ? WHERE stream_id = ?
`, string(event.StatusDeleted), streamID); err != nil {
		return fmt.Errorf("soft delete stream: %w", err)
	}
	return nil
}

// TruncateStream removes events with stream version strictly less than
// beforeVersion. A no-op when the stream does not exist.
func (s *Store) TruncateStream(ctx context.Context, streamID string, beforeVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return fmt.Errorf("stream id is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM events
WHERE stream_id = ?
AND stream_version < ?
`, streamID, beforeVersion); err != nil {
		return fmt.Errorf("truncate stream: %w", err)
	}
	return nil
}

func scanEnvelopes(rows *sql.Rows) ([]event.Envelope, error) {
	var envelopes []event.Envelope
	for rows.Next() {
		var env event.Envelope
		var occurredAt int64
		var status string
		if err := rows.Scan(
			&env.GlobalSeq,
			&env.EventID,
			&env.EventType,
			&env.StreamID,
			&env.StreamName,
			&env.StreamVersion,
			&env.PayloadJSON,
			&occurredAt,
			&status,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		env.OccurredAt = fromMillis(occurredAt)
		env.Status = event.Status(status)
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return envelopes, nil
}
