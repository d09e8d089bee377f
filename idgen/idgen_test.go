package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	u, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("parse %q: %v", id, err)
	}
	if u.Version() != 7 {
		t.Fatalf("version = %d, want 7", u.Version())
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("save_", Default)()
	if !strings.HasPrefix(id, "save_") {
		t.Fatalf("missing prefix: %q", id)
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("s")
	for i, want := range []string{"s1", "s2", "s3"} {
		if got := gen(); got != want {
			t.Fatalf("call %d: got %q, want %q", i, got, want)
		}
	}
}
