package repo

import "errors"

var (
	// ErrNotFound is returned when the addressed run or event does not exist.
	ErrNotFound = errors.New("not found")

	// ErrActiveRunExists is returned by TaskRunStore.CreateRun when the
	// session already holds a run in a non-terminal state.
	ErrActiveRunExists = errors.New("session already has an active run")

	// ErrInvalidTransition is returned by TaskRunStore.UpdateState when the
	// requested state change is not permitted by the run state machine.
	ErrInvalidTransition = errors.New("invalid run state transition")
)
