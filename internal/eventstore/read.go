package eventstore

import (
	"context"
	"iter"
	"strings"

	"github.com/meridianlabs/chronicle/internal/event"
	apperrors "github.com/meridianlabs/chronicle/internal/platform/errors"
)

// ReadStream returns a lazy, restartable sequence of committed envelopes for
// one stream with stream version strictly greater than fromVersion, ordered
// ascending, capped at maxCount. Storage is paged in chunks as the sequence
// is consumed; a read failure is yielded once and ends the sequence.
func (s *Store) ReadStream(ctx context.Context, streamID string, fromVersion int64, maxCount int) iter.Seq2[event.Envelope, error] {
	streamID = strings.TrimSpace(streamID)
	return func(yield func(event.Envelope, error) bool) {
		if streamID == "" {
			yield(event.Envelope{}, apperrors.New(apperrors.CodeStreamIDEmpty, "stream id is required"))
			return
		}
		after := fromVersion
		remaining := maxCount
		for remaining > 0 {
			if err := ctx.Err(); err != nil {
				yield(event.Envelope{}, err)
				return
			}
			limit := min(remaining, readPageSize)
			page, err := s.backend.ListStreamEvents(ctx, streamID, after, limit)
			if err != nil {
				yield(event.Envelope{}, err)
				return
			}
			for _, env := range page {
				if !yield(env, nil) {
					return
				}
				after = env.StreamVersion
				remaining--
			}
			if len(page) < limit {
				return
			}
		}
	}
}

// ReadAllStreams returns committed envelopes across every stream with global
// sequence strictly greater than fromGlobalPosition, ordered by global
// sequence. Intended for projections and migrations, not the aggregate path.
func (s *Store) ReadAllStreams(ctx context.Context, fromGlobalPosition int64, maxCount int) iter.Seq2[event.Envelope, error] {
	return func(yield func(event.Envelope, error) bool) {
		after := fromGlobalPosition
		remaining := maxCount
		for remaining > 0 {
			if err := ctx.Err(); err != nil {
				yield(event.Envelope{}, err)
				return
			}
			limit := min(remaining, readPageSize)
			page, err := s.backend.ListAllEvents(ctx, after, limit)
			if err != nil {
				yield(event.Envelope{}, err)
				return
			}
			for _, env := range page {
				if !yield(env, nil) {
					return
				}
				after = env.GlobalSeq
				remaining--
			}
			if len(page) < limit {
				return
			}
		}
	}
}
