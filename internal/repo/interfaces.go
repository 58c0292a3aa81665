package repo

import (
	"context"

	"github.com/taskstream-labs/taskstream-go/internal/domain"
)

type TaskRunFilter struct {
	SessionID string
	State     domain.RunState
	Limit     int
}

// TaskRunStore is the durable source of truth for run lifecycle state. It owns
// the serialization the use-case layer relies on: the single-active-run
// constraint and client-request-key uniqueness are enforced at create time,
// not by the caller's reads.
type TaskRunStore interface {
	// CreateRun persists a new run. The returned bool is false when an
	// existing run with the same (session, client request key) absorbed the
	// call. A session with an active run yields ErrActiveRunExists.
	CreateRun(ctx context.Context, run domain.TaskRun) (domain.TaskRun, bool, error)
	GetRun(ctx context.Context, runID string) (domain.TaskRun, error)
	ListBySession(ctx context.Context, filter TaskRunFilter) ([]domain.TaskRun, error)
	FindByClientRequestKey(ctx context.Context, sessionID, key string) (domain.TaskRun, error)
	// RequestCancel moves a queued or running run to cancel_requested and
	// returns the resulting run. Runs in any other state are returned
	// unchanged; a missing run yields ErrNotFound.
	RequestCancel(ctx context.Context, runID string) (domain.TaskRun, error)
	// UpdateState is the executor's write path for lifecycle progression.
	UpdateState(ctx context.Context, runID string, state domain.RunState) (domain.TaskRun, error)
}

// TaskRunEventLog is the append-only per-run transition log.
type TaskRunEventLog interface {
	// Append stores the event, assigning the next sequence for its run. When
	// the event carries a dedupe key already present for the run, the stored
	// event is returned with appended=false and no sequence is consumed.
	Append(ctx context.Context, event domain.TaskRunEvent) (domain.TaskRunEvent, bool, error)
	// ListAfter returns events for the run with sequence strictly greater
	// than afterSequence, ascending, at most limit entries.
	ListAfter(ctx context.Context, runID string, afterSequence int64, limit int) ([]domain.TaskRunEvent, error)
}

// SessionEventLog is the append-only per-session log covering run transitions
// and any other session-level signals.
type SessionEventLog interface {
	Append(ctx context.Context, event domain.SessionEvent) (domain.SessionEvent, error)
	// SequenceByEventID resolves an event id cursor to its sequence; missing
	// events yield ErrNotFound.
	SequenceByEventID(ctx context.Context, sessionID, eventID string) (int64, error)
	CountBySession(ctx context.Context, sessionID string) (int64, error)
	ListAfter(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]domain.SessionEvent, error)
}
