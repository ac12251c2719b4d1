package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	apperrors "github.com/meridianlabs/chronicle/internal/platform/errors"
	"github.com/meridianlabs/chronicle/internal/platform/timeouts"
	"github.com/meridianlabs/chronicle/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("chronicle/outbox")

// Scheduler defaults, used when the corresponding config field is unset.
const (
	defaultBatchSize              = 20
	defaultPollInterval           = 5 * time.Second
	defaultVisibilityTimeout      = time.Minute
	defaultMaxConsecutiveFailures = 5
)

// PublishFunc delivers one leased outbox message to its destination.
type PublishFunc func(ctx context.Context, msg storage.OutboxMessage) error

// SchedulerConfig controls the outbox publishing loop.
type SchedulerConfig struct {
	Enabled                bool
	BatchSize              int
	PollInterval           time.Duration
	VisibilityTimeout      time.Duration
	MaxConsecutiveFailures int
	MessageTimeout         time.Duration
}

func (c SchedulerConfig) normalized() SchedulerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaultVisibilityTimeout
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = timeouts.PublisherMessage
	}
	return c
}

// Scheduler periodically leases outbox messages and publishes them via
// per-event-type handlers. Message failures are isolated and recorded;
// infrastructure failures count toward a consecutive-failure limit that
// halts the loop for external supervision to react to.
type Scheduler struct {
	store    *Store
	handlers map[string]PublishFunc
	config   SchedulerConfig
}

// NewScheduler builds the publishing loop.
func NewScheduler(store *Store, handlers map[string]PublishFunc, config SchedulerConfig) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("outbox store is required")
	}
	if config.Enabled && len(handlers) == 0 {
		return nil, fmt.Errorf("at least one publish handler is required")
	}
	return &Scheduler{
		store:    store,
		handlers: handlers,
		config:   config.normalized(),
	}, nil
}

// Run executes the publishing loop until ctx is cancelled or too many
// consecutive tick failures halt it. A disabled scheduler returns
// immediately. The halt is fail-safe: the scheduler stops itself rather
// than retrying forever against an unreachable dependency.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("scheduler is not configured")
	}
	if !s.config.Enabled {
		log.Printf("outbox scheduler disabled, not starting")
		return nil
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			consecutiveFailures++
			log.Printf("outbox scheduler tick failed (%d/%d): %v", consecutiveFailures, s.config.MaxConsecutiveFailures, err)
			if consecutiveFailures >= s.config.MaxConsecutiveFailures {
				log.Printf("outbox scheduler halting after %d consecutive failures", consecutiveFailures)
				return apperrors.Wrap(apperrors.CodeSchedulerHalted, "outbox scheduler halted", err)
			}
			continue
		}
		consecutiveFailures = 0
	}
}

// tick leases one batch and publishes each message, isolating per-message
// failures. Only infrastructure errors (dequeue or finalize) surface as
// tick failures.
func (s *Scheduler) tick(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "outbox.scheduler.tick")
	defer span.End()

	messages, err := s.store.Dequeue(ctx, s.config.BatchSize, s.config.VisibilityTimeout)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("dequeue outbox batch: %w", err)
	}
	span.SetAttributes(attribute.Int("tick.leased", len(messages)))
	if len(messages) == 0 {
		return nil
	}

	completed := make([]string, 0, len(messages))
	var failures []storage.OutboxFailure
	for _, msg := range messages {
		if err := s.publishMessage(ctx, msg); err != nil {
			log.Printf("publish outbox message %s: %v", msg.EventID, err)
			failures = append(failures, storage.OutboxFailure{
				EventID: msg.EventID,
				Error:   err.Error(),
			})
			continue
		}
		completed = append(completed, msg.EventID)
	}

	if err := s.store.Complete(ctx, completed); err != nil {
		return fmt.Errorf("complete outbox messages: %w", err)
	}
	if err := s.store.Fail(ctx, failures); err != nil {
		return fmt.Errorf("record outbox failures: %w", err)
	}
	return nil
}

func (s *Scheduler) publishMessage(ctx context.Context, msg storage.OutboxMessage) error {
	handler, ok := s.handlers[msg.EventType]
	if !ok {
		return fmt.Errorf("no handler registered for event type %q", msg.EventType)
	}

	msgCtx, cancel := context.WithTimeout(ctx, s.config.MessageTimeout)
	defer cancel()
	return handler(msgCtx, msg)
}
