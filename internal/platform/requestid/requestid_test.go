package requestid

import (
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestNewIsParsableAndUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := New()
		if _, err := ulid.Parse(id); err != nil {
			t.Fatalf("parse %q: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
