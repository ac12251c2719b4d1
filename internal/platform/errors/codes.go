// Package errors provides structured error handling with machine-readable codes.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Event store errors
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	CodeStreamIDEmpty       Code = "STREAM_ID_EMPTY"
	CodeStreamNotFound      Code = "STREAM_NOT_FOUND"
	CodeRehydrationFailed   Code = "REHYDRATION_FAILED"
	CodeStreamNameUnknown   Code = "STREAM_NAME_UNKNOWN"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"

	// Outbox errors
	CodeOutboxAttemptsExhausted Code = "OUTBOX_ATTEMPTS_EXHAUSTED"
	CodeOutboxMessageNotLeased  Code = "OUTBOX_MESSAGE_NOT_LEASED"

	// Publication errors
	CodeDrainIncomplete Code = "DRAIN_INCOMPLETE"
	CodeSchedulerHalted Code = "SCHEDULER_HALTED"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeStreamIDEmpty,
		CodeStreamNameUnknown:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeOutboxAttemptsExhausted,
		CodeOutboxMessageNotLeased:
		return codes.FailedPrecondition

	// Aborted - optimistic concurrency failures, safe to retry the command
	case CodeConcurrencyConflict:
		return codes.Aborted

	// NotFound
	case CodeStreamNotFound,
		CodeNotFound:
		return codes.NotFound

	// DataLoss - stored history cannot be interpreted
	case CodeRehydrationFailed:
		return codes.DataLoss

	// Internal - publication plumbing failures
	case CodeDrainIncomplete,
		CodeSchedulerHalted:
		return codes.Internal

	default:
		return codes.Unknown
	}
}
