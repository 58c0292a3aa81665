package taskruns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/taskstream-labs/taskstream-go/internal/domain"
	"github.com/taskstream-labs/taskstream-go/internal/eventtypes"
	"github.com/taskstream-labs/taskstream-go/internal/platform/runmodes"
	"github.com/taskstream-labs/taskstream-go/internal/repo"
)

func newTestService(t *testing.T) (*Service, *fakeRunStore, *fakeRunEventLog, *fakeSessionEventLog) {
	t.Helper()
	runs := newFakeRunStore()
	runEvents := newFakeRunEventLog()
	sessionEvents := newFakeSessionEventLog()
	service := New(runs, runEvents, sessionEvents, eventtypes.Builtin(), runmodes.Default())
	if service == nil {
		t.Fatalf("expected service")
	}
	return service, runs, runEvents, sessionEvents
}

func TestCreateQueuesRunAndRecordsEvents(t *testing.T) {
	ctx := context.Background()
	service, _, runEvents, sessionEvents := newTestService(t)

	result, err := service.Create(ctx, CreateInput{SessionID: "sess-1", RuntimeMode: "interactive"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected created=true")
	}
	run := result.Run
	if run.State != domain.RunStateQueued {
		t.Fatalf("expected queued, got %s", run.State)
	}
	if run.Attempt != 1 || run.MaxAttempts != 1 {
		t.Fatalf("expected attempt 1/1, got %d/%d", run.Attempt, run.MaxAttempts)
	}

	events := runEvents.all(run.ID)
	if len(events) != 1 {
		t.Fatalf("expected 1 run event, got %d", len(events))
	}
	if events[0].Type != eventtypes.TaskRunUpdated {
		t.Fatalf("expected %s event, got %s", eventtypes.TaskRunUpdated, events[0].Type)
	}
	if events[0].Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", events[0].Sequence)
	}
	if got := events[0].Payload["state"]; got != string(domain.RunStateQueued) {
		t.Fatalf("expected queued payload state, got %v", got)
	}

	mirrored := sessionEvents.all("sess-1")
	if len(mirrored) != 1 {
		t.Fatalf("expected 1 session event, got %d", len(mirrored))
	}
	if mirrored[0].Properties["run_id"] != run.ID {
		t.Fatalf("expected session event to carry run id")
	}
}

func TestCreateIsIdempotentPerClientRequestKey(t *testing.T) {
	ctx := context.Background()
	service, runs, runEvents, _ := newTestService(t)

	first, err := service.Create(ctx, CreateInput{SessionID: "sess-1", RuntimeMode: "interactive", ClientRequestKey: "abc"})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := service.Create(ctx, CreateInput{SessionID: "sess-1", RuntimeMode: "interactive", ClientRequestKey: "abc"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !first.Created || second.Created {
		t.Fatalf("expected created=true then created=false")
	}
	if first.Run.ID != second.Run.ID {
		t.Fatalf("expected same run id, got %s and %s", first.Run.ID, second.Run.ID)
	}
	if got := len(runEvents.all(first.Run.ID)); got != 1 {
		t.Fatalf("expected exactly 1 run event after replay, got %d", got)
	}
	if got := runs.countByKey("sess-1", "abc"); got != 1 {
		t.Fatalf("expected exactly 1 stored run for the key, got %d", got)
	}
}

func TestCreateReplayWinsRaceInsideStore(t *testing.T) {
	// The store resolves the key conflict even when the service-level lookup
	// missed it, mimicking two concurrent creates.
	ctx := context.Background()
	service, runs, _, _ := newTestService(t)

	first, err := service.Create(ctx, CreateInput{SessionID: "sess-1", RuntimeMode: "interactive", ClientRequestKey: "abc"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	replayed, stored, err := runs.CreateRun(ctx, domain.TaskRun{
		SessionID:        "sess-1",
		RuntimeMode:      "interactive",
		ClientRequestKey: "abc",
	})
	if err != nil {
		t.Fatalf("store create: %v", err)
	}
	if stored {
		t.Fatalf("expected store to absorb the duplicate key insert")
	}
	if replayed.ID != first.Run.ID {
		t.Fatalf("expected replay to resolve to %s, got %s", first.Run.ID, replayed.ID)
	}
}

func TestCreateConflictsWhileRunActive(t *testing.T) {
	ctx := context.Background()
	service, runs, _, _ := newTestService(t)

	first, err := service.Create(ctx, CreateInput{SessionID: "sess-1", RuntimeMode: "interactive"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := service.Create(ctx, CreateInput{SessionID: "sess-1", RuntimeMode: "interactive"}); !errors.Is(err, repo.ErrActiveRunExists) {
		t.Fatalf("expected ErrActiveRunExists, got %v", err)
	}
	if _, err := service.Create(ctx, CreateInput{SessionID: "sess-1", RuntimeMode: "background", ClientRequestKey: "other"}); !errors.Is(err, repo.ErrActiveRunExists) {
		t.Fatalf("expected ErrActiveRunExists with fresh key, got %v", err)
	}

	// Free the slot the way the lifecycle allows: cancel, then the executor
	// acknowledges with the terminal write.
	if _, err := service.Cancel(ctx, first.Run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := runs.UpdateState(ctx, first.Run.ID, domain.RunStateCanceled); err != nil {
		t.Fatalf("executor cancel ack: %v", err)
	}

	next, err := service.Create(ctx, CreateInput{SessionID: "sess-1", RuntimeMode: "interactive"})
	if err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
	if next.Run.ID == first.Run.ID {
		t.Fatalf("expected a new run after the first reached a terminal state")
	}
}

func TestCreateRejectsUnknownRuntimeMode(t *testing.T) {
	ctx := context.Background()
	service, _, _, _ := newTestService(t)
	if _, err := service.Create(ctx, CreateInput{SessionID: "sess-1", RuntimeMode: "warp"}); !errors.Is(err, ErrRuntimeModeUnsupported) {
		t.Fatalf("expected ErrRuntimeModeUnsupported, got %v", err)
	}
}

func TestCreateClampsAttemptBudget(t *testing.T) {
	ctx := context.Background()
	service, _, _, _ := newTestService(t)
	result, err := service.Create(ctx, CreateInput{SessionID: "sess-1", RuntimeMode: "background", MaxAttempts: 99})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if result.Run.MaxAttempts != 5 {
		t.Fatalf("expected budget clamped to 5, got %d", result.Run.MaxAttempts)
	}
}

func TestCancelWhileQueuedThenRepeat(t *testing.T) {
	ctx := context.Background()
	service, _, runEvents, _ := newTestService(t)

	created, err := service.Create(ctx, CreateInput{SessionID: "sess-1", RuntimeMode: "interactive"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	runID := created.Run.ID

	canceled, err := service.Cancel(ctx, runID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.State != domain.RunStateCancelRequested {
		t.Fatalf("expected cancel_requested, got %s", canceled.State)
	}
	if got := len(runEvents.all(runID)); got != 2 {
		t.Fatalf("expected 2 run events, got %d", got)
	}

	again, err := service.Cancel(ctx, runID)
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if again.State != domain.RunStateCancelRequested {
		t.Fatalf("expected state unchanged, got %s", again.State)
	}
	if got := len(runEvents.all(runID)); got != 2 {
		t.Fatalf("expected repeat cancel to append nothing, got %d events", got)
	}
}

func TestCancelAfterExecutorAcknowledgement(t *testing.T) {
	ctx := context.Background()
	service, runs, runEvents, _ := newTestService(t)

	created, err := service.Create(ctx, CreateInput{SessionID: "sess-1", RuntimeMode: "interactive"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	runID := created.Run.ID

	if _, err := service.Cancel(ctx, runID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := runs.UpdateState(ctx, runID, domain.RunStateCanceled); err != nil {
		t.Fatalf("executor cancel ack: %v", err)
	}

	run, err := service.Cancel(ctx, runID)
	if err != nil {
		t.Fatalf("cancel after ack: %v", err)
	}
	if run.State != domain.RunStateCanceled {
		t.Fatalf("expected canceled, got %s", run.State)
	}
	events := runEvents.all(runID)
	if len(events) != 3 {
		t.Fatalf("expected queued + cancel_requested + canceled events, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.Type != eventtypes.RunCanceled {
		t.Fatalf("expected %s, got %s", eventtypes.RunCanceled, last.Type)
	}
	if last.Payload["reason"] != "cancel_requested" {
		t.Fatalf("expected cancel reason payload, got %v", last.Payload)
	}

	// Sequences stay dense: dedupe skips never reserved one.
	for i, event := range events {
		if event.Sequence != int64(i+1) {
			t.Fatalf("expected dense sequence %d, got %d", i+1, event.Sequence)
		}
	}

	if _, err := service.Cancel(ctx, runID); err != nil {
		t.Fatalf("third cancel: %v", err)
	}
	if got := len(runEvents.all(runID)); got != 3 {
		t.Fatalf("expected no event on third cancel, got %d", got)
	}
}

func TestCancelTerminalRunIsNoOp(t *testing.T) {
	ctx := context.Background()
	service, runs, runEvents, _ := newTestService(t)

	created, err := service.Create(ctx, CreateInput{SessionID: "sess-1", RuntimeMode: "interactive"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	runID := created.Run.ID
	if _, err := runs.UpdateState(ctx, runID, domain.RunStateRunning); err != nil {
		t.Fatalf("executor start: %v", err)
	}
	if _, err := runs.UpdateState(ctx, runID, domain.RunStateCompleted); err != nil {
		t.Fatalf("executor finish: %v", err)
	}

	run, err := service.Cancel(ctx, runID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if run.State != domain.RunStateCompleted {
		t.Fatalf("expected completed unchanged, got %s", run.State)
	}
	if got := len(runEvents.all(runID)); got != 1 {
		t.Fatalf("expected only the queued event, got %d", got)
	}
}

func TestCancelMissingRun(t *testing.T) {
	ctx := context.Background()
	service, _, _, _ := newTestService(t)
	if _, err := service.Cancel(ctx, "run-404"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRunEvents(t *testing.T) {
	ctx := context.Background()
	service, _, _, _ := newTestService(t)

	created, err := service.Create(ctx, CreateInput{SessionID: "sess-1", RuntimeMode: "interactive"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	runID := created.Run.ID
	if _, err := service.Cancel(ctx, runID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	page, err := service.ListRunEvents(ctx, runID, 0, 10)
	if err != nil {
		t.Fatalf("list run events: %v", err)
	}
	if page.Run.ID != runID {
		t.Fatalf("expected run in result")
	}
	if len(page.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page.Events))
	}
	if page.Events[0].Sequence >= page.Events[1].Sequence {
		t.Fatalf("expected strictly increasing sequences")
	}

	resumed, err := service.ListRunEvents(ctx, runID, page.Events[0].Sequence, 10)
	if err != nil {
		t.Fatalf("resume list: %v", err)
	}
	if len(resumed.Events) != 1 || resumed.Events[0].Sequence != page.Events[1].Sequence {
		t.Fatalf("expected resume to return only the unseen event")
	}

	if _, err := service.ListRunEvents(ctx, "run-404", 0, 10); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown run, got %v", err)
	}
}

// --- fakes ---

type fakeRunStore struct {
	runs  map[string]domain.TaskRun
	order []string
	next  int
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: map[string]domain.TaskRun{}}
}

func (f *fakeRunStore) countByKey(sessionID, key string) int {
	count := 0
	for _, run := range f.runs {
		if run.SessionID == sessionID && run.ClientRequestKey == key {
			count++
		}
	}
	return count
}

func (f *fakeRunStore) CreateRun(ctx context.Context, run domain.TaskRun) (domain.TaskRun, bool, error) {
	if run.ClientRequestKey != "" {
		for _, id := range f.order {
			existing := f.runs[id]
			if existing.SessionID == run.SessionID && existing.ClientRequestKey == run.ClientRequestKey {
				return existing, false, nil
			}
		}
	}
	for _, id := range f.order {
		if existing := f.runs[id]; existing.SessionID == run.SessionID && existing.Active() {
			return domain.TaskRun{}, false, repo.ErrActiveRunExists
		}
	}
	f.next++
	if strings.TrimSpace(run.ID) == "" {
		run.ID = fmt.Sprintf("run-%d", f.next)
	}
	if run.State == "" {
		run.State = domain.RunStateQueued
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}
	if run.MaxAttempts == 0 {
		run.MaxAttempts = run.Attempt
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	f.runs[run.ID] = run
	f.order = append(f.order, run.ID)
	return run, true, nil
}

func (f *fakeRunStore) GetRun(ctx context.Context, runID string) (domain.TaskRun, error) {
	run, ok := f.runs[runID]
	if !ok {
		return domain.TaskRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (f *fakeRunStore) ListBySession(ctx context.Context, filter repo.TaskRunFilter) ([]domain.TaskRun, error) {
	out := make([]domain.TaskRun, 0)
	for _, id := range f.order {
		run := f.runs[id]
		if run.SessionID != filter.SessionID {
			continue
		}
		if filter.State != "" && run.State != filter.State {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (f *fakeRunStore) FindByClientRequestKey(ctx context.Context, sessionID, key string) (domain.TaskRun, error) {
	for _, id := range f.order {
		run := f.runs[id]
		if run.SessionID == sessionID && run.ClientRequestKey == key {
			return run, nil
		}
	}
	return domain.TaskRun{}, repo.ErrNotFound
}

func (f *fakeRunStore) RequestCancel(ctx context.Context, runID string) (domain.TaskRun, error) {
	run, ok := f.runs[runID]
	if !ok {
		return domain.TaskRun{}, repo.ErrNotFound
	}
	if run.State == domain.RunStateQueued || run.State == domain.RunStateRunning {
		run.State = domain.RunStateCancelRequested
		run.UpdatedAt = time.Now().UTC()
		f.runs[runID] = run
	}
	return run, nil
}

func (f *fakeRunStore) UpdateState(ctx context.Context, runID string, state domain.RunState) (domain.TaskRun, error) {
	run, ok := f.runs[runID]
	if !ok {
		return domain.TaskRun{}, repo.ErrNotFound
	}
	if run.State == state {
		return run, nil
	}
	if !domain.CanTransition(run.State, state) {
		return domain.TaskRun{}, repo.ErrInvalidTransition
	}
	run.State = state
	run.UpdatedAt = time.Now().UTC()
	f.runs[runID] = run
	return run, nil
}

type fakeRunEventLog struct {
	events map[string][]domain.TaskRunEvent
	next   int
}

func newFakeRunEventLog() *fakeRunEventLog {
	return &fakeRunEventLog{events: map[string][]domain.TaskRunEvent{}}
}

func (f *fakeRunEventLog) all(runID string) []domain.TaskRunEvent {
	return f.events[runID]
}

func (f *fakeRunEventLog) Append(ctx context.Context, event domain.TaskRunEvent) (domain.TaskRunEvent, bool, error) {
	if event.DedupeKey != "" {
		for _, existing := range f.events[event.RunID] {
			if existing.DedupeKey == event.DedupeKey {
				return existing, false, nil
			}
		}
	}
	f.next++
	if event.ID == "" {
		event.ID = fmt.Sprintf("run-evt-%d", f.next)
	}
	event.Sequence = int64(len(f.events[event.RunID]) + 1)
	event.CreatedAt = time.Now().UTC()
	f.events[event.RunID] = append(f.events[event.RunID], event)
	return event, true, nil
}

func (f *fakeRunEventLog) ListAfter(ctx context.Context, runID string, afterSequence int64, limit int) ([]domain.TaskRunEvent, error) {
	out := make([]domain.TaskRunEvent, 0)
	for _, event := range f.events[runID] {
		if event.Sequence <= afterSequence {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeSessionEventLog struct {
	events map[string][]domain.SessionEvent
	next   int
}

func newFakeSessionEventLog() *fakeSessionEventLog {
	return &fakeSessionEventLog{events: map[string][]domain.SessionEvent{}}
}

func (f *fakeSessionEventLog) all(sessionID string) []domain.SessionEvent {
	return f.events[sessionID]
}

func (f *fakeSessionEventLog) Append(ctx context.Context, event domain.SessionEvent) (domain.SessionEvent, error) {
	f.next++
	if event.ID == "" {
		event.ID = fmt.Sprintf("sess-evt-%d", f.next)
	}
	event.Sequence = int64(len(f.events[event.SessionID]) + 1)
	event.CreatedAt = time.Now().UTC()
	f.events[event.SessionID] = append(f.events[event.SessionID], event)
	return event, nil
}

func (f *fakeSessionEventLog) SequenceByEventID(ctx context.Context, sessionID, eventID string) (int64, error) {
	for _, event := range f.events[sessionID] {
		if event.ID == eventID {
			return event.Sequence, nil
		}
	}
	return 0, repo.ErrNotFound
}

func (f *fakeSessionEventLog) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	return int64(len(f.events[sessionID])), nil
}

func (f *fakeSessionEventLog) ListAfter(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]domain.SessionEvent, error) {
	out := make([]domain.SessionEvent, 0)
	for _, event := range f.events[sessionID] {
		if event.Sequence <= afterSequence {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
