package id

import (
	"encoding/base32"
	"strings"
	"testing"
)

func TestNewIDShape(t *testing.T) {
	got := NewID()
	if len(got) != 26 {
		t.Fatalf("id length = %d, want 26", len(got))
	}
	if got != strings.ToLower(got) {
		t.Fatalf("id %q is not lowercase", got)
	}
	if strings.Contains(got, "=") {
		t.Fatalf("id %q carries padding", got)
	}

	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(got))
	if err != nil {
		t.Fatalf("decode id: %v", err)
	}
	if len(raw) != 16 {
		t.Fatalf("decoded length = %d bytes, want 16", len(raw))
	}
	if version := raw[6] >> 4; version != 4 {
		t.Fatalf("uuid version = %d, want 4", version)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		got := NewID()
		if seen[got] {
			t.Fatalf("duplicate id %q after %d iterations", got, i)
		}
		seen[got] = true
	}
}
