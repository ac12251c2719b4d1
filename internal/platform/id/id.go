// Package id generates compact unique identifiers for events and messages.
package id

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a lowercase base32-encoded UUIDv4: 26 characters, no
// padding, filesystem- and URL-safe, carrying the full 128 bits of
// randomness.
func NewID() string {
	u := uuid.Must(uuid.NewRandom())
	return strings.ToLower(encoding.EncodeToString(u[:]))
}
