package domain

import (
	"errors"
	"strings"
	"time"
)

// RunState is the lifecycle state of a task run.
type RunState string

const (
	RunStateQueued          RunState = "queued"
	RunStateRunning         RunState = "running"
	RunStateCancelRequested RunState = "cancel_requested"
	RunStateCompleted       RunState = "completed"
	RunStateFailed          RunState = "failed"
	RunStateCanceled        RunState = "canceled"
)

// NormalizeRunState maps a stored status string onto a known RunState.
// Unknown values normalize to the empty state.
func NormalizeRunState(value string) RunState {
	switch RunState(strings.ToLower(strings.TrimSpace(value))) {
	case RunStateQueued:
		return RunStateQueued
	case RunStateRunning:
		return RunStateRunning
	case RunStateCancelRequested:
		return RunStateCancelRequested
	case RunStateCompleted:
		return RunStateCompleted
	case RunStateFailed:
		return RunStateFailed
	case RunStateCanceled:
		return RunStateCanceled
	default:
		return ""
	}
}

// Active reports whether the state counts against the one-active-run-per-session
// invariant.
func (s RunState) Active() bool {
	switch s {
	case RunStateQueued, RunStateRunning, RunStateCancelRequested:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible from the state.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine permits from -> to.
// queued -> running -> {completed, failed}; queued|running -> cancel_requested -> canceled.
func CanTransition(from, to RunState) bool {
	switch from {
	case RunStateQueued:
		return to == RunStateRunning || to == RunStateCancelRequested
	case RunStateRunning:
		return to == RunStateCompleted || to == RunStateFailed || to == RunStateCancelRequested
	case RunStateCancelRequested:
		return to == RunStateCanceled
	default:
		return false
	}
}

// TaskRun is one execution attempt of an agent task attached to a session.
type TaskRun struct {
	ID               string
	SessionID        string
	RuntimeMode      string
	State            RunState
	Attempt          int
	MaxAttempts      int
	ClientRequestKey string
	Input            Metadata
	Metadata         Metadata
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (r TaskRun) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return errors.New("session id is required")
	}
	if strings.TrimSpace(r.RuntimeMode) == "" {
		return errors.New("runtime mode is required")
	}
	if NormalizeRunState(string(r.State)) == "" {
		return errors.New("state is required")
	}
	if r.Attempt < 1 {
		return errors.New("attempt must be >= 1")
	}
	if r.MaxAttempts < r.Attempt {
		return errors.New("max attempts must be >= attempt")
	}
	return nil
}

// Active reports whether the run holds the session's active-run slot.
func (r TaskRun) Active() bool {
	return r.State.Active()
}
