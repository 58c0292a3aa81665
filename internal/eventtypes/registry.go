// Package eventtypes holds the registry of event type names the service will
// accept onto its logs. The registry is built once during startup and is
// read-only afterwards; it is passed by reference rather than living in a
// package-level variable.
package eventtypes

import (
	"fmt"
	"sort"
	"strings"
)

const (
	TaskRunUpdated          = "task-run.updated"
	RunCanceled             = "run.canceled"
	SessionLog              = "session.log"
	SessionDirectoryChanged = "session.directory-changed"
)

type Definition struct {
	Name        string
	Description string
}

type Registry struct {
	types map[string]Definition
}

// NewRegistry builds a registry from the given definitions. Names must be
// non-empty and unique.
func NewRegistry(defs ...Definition) (*Registry, error) {
	types := make(map[string]Definition, len(defs))
	for i, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("definition %d: name is required", i)
		}
		if _, ok := types[name]; ok {
			return nil, fmt.Errorf("duplicate event type %q", name)
		}
		def.Name = name
		types[name] = def
	}
	return &Registry{types: types}, nil
}

// Builtin returns a registry seeded with the event types the task-run use
// cases emit plus the general session-level signals.
func Builtin() *Registry {
	registry, err := NewRegistry(
		Definition{Name: TaskRunUpdated, Description: "task run lifecycle state changed"},
		Definition{Name: RunCanceled, Description: "task run reached canceled"},
		Definition{Name: SessionLog, Description: "free-form session log line"},
		Definition{Name: SessionDirectoryChanged, Description: "session working directory changed"},
	)
	if err != nil {
		panic(err)
	}
	return registry
}

func (r *Registry) Known(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.types[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
