package runmodes

import (
	"strings"
	"testing"
)

const specYAML = `
schema: taskstream.runmodes.v1
default_max_attempts: 2
max_attempts_ceiling: 4
modes:
  - name: interactive
  - name: background
    description: detached run
    max_attempts: 3
`

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec([]byte(specYAML))
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if !spec.Allowed("interactive") || !spec.Allowed(" Background ") {
		t.Fatalf("expected declared modes to be allowed")
	}
	if spec.Allowed("scheduled") {
		t.Fatalf("did not expect undeclared mode to be allowed")
	}
}

func TestParseSpecRejectsBadSchema(t *testing.T) {
	_, err := ParseSpec([]byte("schema: other.v1\nmodes:\n  - name: a\n"))
	if err == nil || !strings.Contains(err.Error(), "spec.schema") {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestParseSpecRejectsDuplicateModes(t *testing.T) {
	_, err := ParseSpec([]byte("schema: taskstream.runmodes.v1\nmodes:\n  - name: a\n  - name: A\n"))
	if err == nil || !strings.Contains(err.Error(), "unique") {
		t.Fatalf("expected duplicate mode error, got %v", err)
	}
}

func TestAttemptBudget(t *testing.T) {
	spec, err := ParseSpec([]byte(specYAML))
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if got := spec.AttemptBudget("interactive", 0); got != 2 {
		t.Fatalf("default budget=%d, want 2", got)
	}
	if got := spec.AttemptBudget("background", 0); got != 3 {
		t.Fatalf("mode default budget=%d, want 3", got)
	}
	if got := spec.AttemptBudget("interactive", 3); got != 3 {
		t.Fatalf("requested budget=%d, want 3", got)
	}
	if got := spec.AttemptBudget("interactive", 99); got != 4 {
		t.Fatalf("clamped budget=%d, want ceiling 4", got)
	}
}

func TestDefaultSpecIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default spec invalid: %v", err)
	}
}

func TestLoadWithoutPathUsesDefault(t *testing.T) {
	spec, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !spec.Allowed("interactive") {
		t.Fatalf("expected default spec to allow interactive")
	}
}
