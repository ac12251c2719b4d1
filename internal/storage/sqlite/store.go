// Package sqlite implements the storage contracts over a single SQLite
// database file using the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/meridianlabs/chronicle/internal/event"
	"github.com/meridianlabs/chronicle/internal/platform/storage/sqlitemigrate"
	"github.com/meridianlabs/chronicle/internal/storage"
	"github.com/meridianlabs/chronicle/internal/storage/sqlite/migrations"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// flushRetry bounds internal retries for transient SQLITE_BUSY contention
// during FlushBatch. Concurrency conflicts are never retried.
const (
	flushRetryAttempts = 3
	flushRetryBase     = 10 * time.Millisecond
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis reverses toMillis for persisted millisecond timestamps.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store provides a SQLite-backed store implementing the event journal,
// snapshot log, and transactional outbox.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite event store at the provided path and applies
// embedded migrations before the store is handed to higher layers.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.CoreFS, "core"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
//
// Close is intentionally nil-safe so callers can defer it in all startup paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// FlushBatch writes one staged unit of work in a single transaction: event
// rows, snapshot rows, and outbox rows land together or not at all. SQLite
// assigns global sequence numbers on insert. Busy contention is retried a
// bounded number of times; a unique-constraint rejection means the batch
// lost an optimistic concurrency race and surfaces immediately as
// storage.ErrConcurrencyConflict.
func (s *Store) FlushBatch(ctx context.Context, batch storage.FlushBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(batch.Events) == 0 && len(batch.Snapshots) == 0 && len(batch.Outbox) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < flushRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(flushRetryBase << (attempt - 1)):
			}
		}

		err := s.flushBatchOnce(ctx, batch)
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrConcurrencyConflict) {
			return err
		}
		if !isBusyError(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("flush batch: %w", lastErr)
}

func (s *Store) flushBatchOnce(ctx context.Context, batch storage.FlushBatch) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, env := range batch.Events {
		if err := insertEventTx(ctx, tx, env); err != nil {
			return err
		}
	}
	for _, snap := range batch.Snapshots {
		if err := insertSnapshotTx(ctx, tx, snap); err != nil {
			return err
		}
	}
	for _, msg := range batch.Outbox {
		if err := insertOutboxMessageTx(ctx, tx, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertEventTx(ctx context.Context, tx *sql.Tx, env event.Envelope) error {
	occurredAt := env.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	status := env.Status
	if status == "" {
		status = event.StatusActive
	}

	_, err := tx.ExecContext(ctx, `
INSERT INTO events (
	event_id,
	event_type,
	stream_id,
	stream_name,
	stream_version,
	payload_json,
	occurred_at,
	status
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		env.EventID,
		env.EventType,
		env.StreamID,
		env.StreamName,
		env.StreamVersion,
		env.PayloadJSON,
		toMillis(occurredAt),
		string(status),
	)
	if err != nil {
		if isConstraintError(err) {
			return storage.ErrConcurrencyConflict
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func insertSnapshotTx(ctx context.Context, tx *sql.Tx, snap event.SnapshotEnvelope) error {
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := tx.ExecContext(ctx, `
INSERT INTO snapshots (
	owner_id,
	sequence,
	memento_json,
	created_at
) VALUES (?, ?, ?, ?)
ON CONFLICT (owner_id, sequence) DO UPDATE SET
	memento_json = excluded.memento_json,
	created_at = excluded.created_at
`,
		snap.OwnerID,
		snap.Sequence,
		snap.MementoJSON,
		toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func insertOutboxMessageTx(ctx context.Context, tx *sql.Tx, msg storage.OutboxMessage) error {
	now := time.Now().UTC()
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := msg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	status := msg.Status
	if status == "" {
		status = storage.OutboxStatusPending
	}
	visibleAfter := msg.VisibleAfter
	if visibleAfter.IsZero() {
		visibleAfter = createdAt
	}

	_, err := tx.ExecContext(ctx, `
INSERT INTO outbox (
	event_id,
	event_type,
	payload_json,
	status,
	visible_after,
	attempt_count,
	last_error,
	created_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		msg.EventID,
		msg.EventType,
		msg.PayloadJSON,
		status,
		toMillis(visibleAfter),
		msg.AttemptCount,
		msg.LastError,
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
