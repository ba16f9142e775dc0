// Package uuid includes tests for the UUID generator wrapper.
package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewRawIDUnique ensures successive IDs differ and sort by creation.
func TestGeneratorNewRawIDUnique(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewRawID()
	if err != nil {
		t.Fatalf("NewRawID() error = %v", err)
	}
	id2, err := gen.NewRawID()
	if err != nil {
		t.Fatalf("NewRawID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	if id1.String() >= id2.String() {
		t.Fatalf("expected %s to sort before %s", id1, id2)
	}
	if _, err := goUUID.Parse(id1.String()); err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
}

// TestGeneratorNewRawIDIsVersion7 ensures raw IDs are time-ordered v7 UUIDs.
func TestGeneratorNewRawIDIsVersion7(t *testing.T) {
	t.Parallel()

	id, err := New().NewRawID()
	if err != nil {
		t.Fatalf("NewRawID() error = %v", err)
	}
	if id.Version() != 7 {
		t.Fatalf("expected version 7, got %d", id.Version())
	}
}
