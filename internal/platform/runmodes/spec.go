// Package runmodes parses the deployment's runtime-mode spec: the enumerated
// execution modes task runs may be created with, and the retry budget each
// mode allows.
package runmodes

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const SpecSchemaV1 = "taskstream.runmodes.v1"

type Spec struct {
	Schema             string `json:"schema" yaml:"schema"`
	DefaultMaxAttempts int    `json:"default_max_attempts,omitempty" yaml:"default_max_attempts,omitempty"`
	MaxAttemptsCeiling int    `json:"max_attempts_ceiling,omitempty" yaml:"max_attempts_ceiling,omitempty"`
	Modes              []Mode `json:"modes" yaml:"modes"`
}

type Mode struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// Default returns the spec used when no file is configured.
func Default() Spec {
	return Spec{
		Schema:             SpecSchemaV1,
		DefaultMaxAttempts: 1,
		MaxAttemptsCeiling: 5,
		Modes: []Mode{
			{Name: "interactive", Description: "run attached to a live chat turn"},
			{Name: "background", Description: "detached run polled by the session", MaxAttempts: 3},
		},
	}
}

func ParseSpec(input []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Load reads the spec from path; an empty path selects Default.
func Load(path string) (Spec, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read spec: %w", err)
	}
	return ParseSpec(raw)
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Schema) != SpecSchemaV1 {
		return fmt.Errorf("spec.schema must be %q", SpecSchemaV1)
	}
	if len(s.Modes) == 0 {
		return errors.New("spec.modes must be non-empty")
	}
	if s.DefaultMaxAttempts < 0 {
		return errors.New("spec.default_max_attempts must be >= 0")
	}
	if s.MaxAttemptsCeiling < 0 {
		return errors.New("spec.max_attempts_ceiling must be >= 0")
	}
	if s.MaxAttemptsCeiling > 0 && s.DefaultMaxAttempts > s.MaxAttemptsCeiling {
		return errors.New("spec.default_max_attempts must be <= spec.max_attempts_ceiling")
	}

	seen := make(map[string]struct{}, len(s.Modes))
	for i, mode := range s.Modes {
		name := strings.TrimSpace(mode.Name)
		if name == "" {
			return fmt.Errorf("spec.modes[%d].name is required", i)
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("spec.modes[%d].name must be unique (duplicate %q)", i, name)
		}
		seen[key] = struct{}{}
		if mode.MaxAttempts < 0 {
			return fmt.Errorf("spec.modes[%d].max_attempts must be >= 0", i)
		}
		if s.MaxAttemptsCeiling > 0 && mode.MaxAttempts > s.MaxAttemptsCeiling {
			return fmt.Errorf("spec.modes[%d].max_attempts must be <= spec.max_attempts_ceiling", i)
		}
	}
	return nil
}

// Allowed reports whether the mode is accepted by this deployment.
func (s Spec) Allowed(mode string) bool {
	mode = strings.ToLower(strings.TrimSpace(mode))
	for _, m := range s.Modes {
		if strings.ToLower(strings.TrimSpace(m.Name)) == mode {
			return true
		}
	}
	return false
}

// AttemptBudget resolves the max-attempts budget for a create request: a
// non-positive request selects the mode's (or spec's) default, and every
// result is clamped to [1, ceiling].
func (s Spec) AttemptBudget(mode string, requested int) int {
	budget := requested
	if budget <= 0 {
		budget = s.modeDefault(mode)
	}
	if budget <= 0 {
		budget = 1
	}
	if s.MaxAttemptsCeiling > 0 && budget > s.MaxAttemptsCeiling {
		budget = s.MaxAttemptsCeiling
	}
	return budget
}

func (s Spec) modeDefault(mode string) int {
	mode = strings.ToLower(strings.TrimSpace(mode))
	for _, m := range s.Modes {
		if strings.ToLower(strings.TrimSpace(m.Name)) == mode && m.MaxAttempts > 0 {
			return m.MaxAttempts
		}
	}
	return s.DefaultMaxAttempts
}
