package taskruns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/taskstream-labs/taskstream-go/internal/domain"
	"github.com/taskstream-labs/taskstream-go/internal/eventtypes"
	"github.com/taskstream-labs/taskstream-go/internal/pagination"
	"github.com/taskstream-labs/taskstream-go/internal/platform/runmodes"
	"github.com/taskstream-labs/taskstream-go/internal/repo"
)

// ErrRuntimeModeUnsupported is returned by Create when the requested runtime
// mode is not declared in the deployment's run-mode spec.
var ErrRuntimeModeUnsupported = errors.New("runtime mode not supported")

type Service struct {
	runs          repo.TaskRunStore
	runEvents     repo.TaskRunEventLog
	sessionEvents repo.SessionEventLog
	types         *eventtypes.Registry
	modes         runmodes.Spec
}

func New(runs repo.TaskRunStore, runEvents repo.TaskRunEventLog, sessionEvents repo.SessionEventLog, types *eventtypes.Registry, modes runmodes.Spec) *Service {
	if runs == nil || runEvents == nil || sessionEvents == nil || types == nil {
		return nil
	}
	return &Service{
		runs:          runs,
		runEvents:     runEvents,
		sessionEvents: sessionEvents,
		types:         types,
		modes:         modes,
	}
}

type CreateInput struct {
	SessionID        string
	RuntimeMode      string
	ClientRequestKey string
	Input            domain.Metadata
	Metadata         domain.Metadata
	MaxAttempts      int
}

type CreateResult struct {
	Run     domain.TaskRun
	Created bool
}

// Create starts a new run for the session. A repeated call with the same
// client request key resolves to the run the first call produced, with
// Created=false and no new event. A session that already holds an active run
// yields repo.ErrActiveRunExists.
func (s *Service) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return CreateResult{}, fmt.Errorf("session id is required")
	}
	mode := strings.TrimSpace(in.RuntimeMode)
	if !s.modes.Allowed(mode) {
		return CreateResult{}, fmt.Errorf("%w: %q", ErrRuntimeModeUnsupported, in.RuntimeMode)
	}

	key := strings.TrimSpace(in.ClientRequestKey)
	if key != "" {
		existing, err := s.runs.FindByClientRequestKey(ctx, sessionID, key)
		if err == nil {
			return CreateResult{Run: existing, Created: false}, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return CreateResult{}, err
		}
	}

	runs, err := s.runs.ListBySession(ctx, repo.TaskRunFilter{SessionID: sessionID})
	if err != nil {
		return CreateResult{}, err
	}
	for _, run := range runs {
		if run.Active() {
			return CreateResult{}, repo.ErrActiveRunExists
		}
	}

	// The check above only produces the friendly early failure; the store's
	// uniqueness constraints close the check-then-act gap under concurrency.
	run := domain.TaskRun{
		SessionID:        sessionID,
		RuntimeMode:      mode,
		State:            domain.RunStateQueued,
		Attempt:          1,
		MaxAttempts:      s.modes.AttemptBudget(mode, in.MaxAttempts),
		ClientRequestKey: key,
		Input:            in.Input,
		Metadata:         in.Metadata,
	}
	created, stored, err := s.runs.CreateRun(ctx, run)
	if err != nil {
		return CreateResult{}, err
	}
	if !stored {
		return CreateResult{Run: created, Created: false}, nil
	}

	err = s.recordTransition(ctx, created, eventtypes.TaskRunUpdated, "queued:"+created.ID, domain.Metadata{
		"state":        string(domain.RunStateQueued),
		"runtime_mode": created.RuntimeMode,
	})
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Run: created, Created: true}, nil
}

// Cancel records cancellation intent for the run. It is cooperative: the
// executor observes cancel_requested and stops on its own schedule. Repeated
// calls and calls against terminal runs are no-ops returning the current run.
func (s *Service) Cancel(ctx context.Context, runID string) (domain.TaskRun, error) {
	run, err := s.runs.RequestCancel(ctx, runID)
	if err != nil {
		return domain.TaskRun{}, err
	}
	switch run.State {
	case domain.RunStateCancelRequested:
		err = s.recordTransition(ctx, run, eventtypes.TaskRunUpdated, "cancel_requested:"+run.ID, domain.Metadata{
			"state": string(domain.RunStateCancelRequested),
		})
	case domain.RunStateCanceled:
		err = s.recordTransition(ctx, run, eventtypes.RunCanceled, "canceled:"+run.ID, domain.Metadata{
			"reason": "cancel_requested",
		})
	}
	if err != nil {
		return domain.TaskRun{}, err
	}
	return run, nil
}

func (s *Service) Get(ctx context.Context, runID string) (domain.TaskRun, error) {
	return s.runs.GetRun(ctx, runID)
}

func (s *Service) ListBySession(ctx context.Context, sessionID string) ([]domain.TaskRun, error) {
	return s.runs.ListBySession(ctx, repo.TaskRunFilter{SessionID: sessionID})
}

type RunEventsPage struct {
	Run    domain.TaskRun
	Events []domain.TaskRunEvent
}

// ListRunEvents returns the run plus its events with sequence strictly
// greater than afterSequence. A missing run is reported as repo.ErrNotFound
// rather than an empty page.
func (s *Service) ListRunEvents(ctx context.Context, runID string, afterSequence int64, limit int) (RunEventsPage, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return RunEventsPage{}, err
	}
	events, err := s.runEvents.ListAfter(ctx, run.ID, afterSequence, pagination.ClampLimit(limit))
	if err != nil {
		return RunEventsPage{}, err
	}
	return RunEventsPage{Run: run, Events: events}, nil
}

// recordTransition appends the run-scoped event and, when the append was not
// absorbed by its dedupe key, mirrors it onto the session log.
func (s *Service) recordTransition(ctx context.Context, run domain.TaskRun, eventType, dedupeKey string, payload domain.Metadata) error {
	if !s.types.Known(eventType) {
		return fmt.Errorf("unregistered event type %q", eventType)
	}
	_, appended, err := s.runEvents.Append(ctx, domain.TaskRunEvent{
		RunID:     run.ID,
		SessionID: run.SessionID,
		Type:      eventType,
		Payload:   payload,
		DedupeKey: dedupeKey,
	})
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	if !appended {
		return nil
	}

	properties := domain.Metadata{"run_id": run.ID}
	for k, v := range payload {
		properties[k] = v
	}
	if _, err := s.sessionEvents.Append(ctx, domain.SessionEvent{
		SessionID:  run.SessionID,
		Type:       eventType,
		Properties: properties,
	}); err != nil {
		return fmt.Errorf("append session event: %w", err)
	}
	return nil
}
