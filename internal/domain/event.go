package domain

import (
	"errors"
	"strings"
	"time"
)

// TaskRunEvent is one entry in a run's append-only lifecycle log. Sequence is
// assigned by the log at append time, strictly increasing per run, and never
// reused. Events are immutable once appended.
type TaskRunEvent struct {
	ID        string
	RunID     string
	SessionID string
	Sequence  int64
	Type      string
	Payload   Metadata
	DedupeKey string
	CreatedAt time.Time
}

func (e TaskRunEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("event id is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(e.SessionID) == "" {
		return errors.New("session id is required")
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("event type is required")
	}
	return nil
}

// SessionEvent is one entry in a session's append-only log. It carries the
// same append-once, monotonic-sequence guarantees as TaskRunEvent but is
// scoped to the whole session.
type SessionEvent struct {
	ID         string
	SessionID  string
	Sequence   int64
	Type       string
	Properties Metadata
	Directory  string
	CreatedAt  time.Time
}

func (e SessionEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("event id is required")
	}
	if strings.TrimSpace(e.SessionID) == "" {
		return errors.New("session id is required")
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("event type is required")
	}
	return nil
}
