package eventstore

import (
	"fmt"

	"github.com/meridianlabs/chronicle/internal/event"
)

// ExpectedVersion declares what a writer believes the current version of a
// stream is. Append uses it for optimistic concurrency control: a mismatch
// fails the append with a concurrency-conflict error.
type ExpectedVersion struct {
	value   int64
	checked bool
}

// Any returns an ExpectedVersion that skips the version check. The append
// lands after whatever the current stream version happens to be.
func Any() ExpectedVersion {
	return ExpectedVersion{}
}

// Exact returns an ExpectedVersion requiring the stream to be at exactly
// version. Use event.EmptyStreamVersion to require that the stream does not
// exist yet.
func Exact(version int64) ExpectedVersion {
	if version < event.EmptyStreamVersion {
		panic(fmt.Sprintf("exact version must be at least %d, got %d", event.EmptyStreamVersion, version))
	}
	return ExpectedVersion{value: version, checked: true}
}

// IsAny reports whether version checking is skipped.
func (ev ExpectedVersion) IsAny() bool {
	return !ev.checked
}

// Version returns the required version for an exact expectation. Only
// meaningful when IsAny reports false.
func (ev ExpectedVersion) Version() int64 {
	return ev.value
}

// String describes the expectation for logs and error metadata.
func (ev ExpectedVersion) String() string {
	if ev.IsAny() {
		return "Any"
	}
	return fmt.Sprintf("Exact(%d)", ev.value)
}
