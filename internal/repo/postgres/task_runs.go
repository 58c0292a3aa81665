package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskstream-labs/taskstream-go/internal/domain"
	"github.com/taskstream-labs/taskstream-go/internal/idgen"
	"github.com/taskstream-labs/taskstream-go/internal/repo"
)

type TaskRunStore struct {
	db DB
}

const taskRunColumns = `run_id, session_id, runtime_mode, state, attempt, max_attempts, client_request_key, input, metadata, created_at, updated_at`

const (
	// The unqualified DO NOTHING lets either unique constraint absorb the
	// insert: (session_id, client_request_key) for idempotent retries and the
	// partial active-run index for the one-active-run-per-session invariant.
	insertTaskRunQuery = `INSERT INTO task_runs (
		run_id,
		session_id,
		runtime_mode,
		state,
		attempt,
		max_attempts,
		client_request_key,
		input,
		metadata,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT DO NOTHING
	RETURNING ` + taskRunColumns

	selectTaskRunByIDQuery = `SELECT ` + taskRunColumns + `
	 FROM task_runs
	 WHERE run_id = $1`

	selectTaskRunByRequestKeyQuery = `SELECT ` + taskRunColumns + `
	 FROM task_runs
	 WHERE session_id = $1 AND client_request_key = $2`

	requestCancelQuery = `UPDATE task_runs
	 SET state = 'cancel_requested', updated_at = $2
	 WHERE run_id = $1 AND state IN ('queued','running')
	 RETURNING ` + taskRunColumns

	updateTaskRunStateQuery = `UPDATE task_runs
	 SET state = $2, updated_at = $3
	 WHERE run_id = $1 AND state = $4
	 RETURNING ` + taskRunColumns
)

func NewTaskRunStore(db DB) *TaskRunStore {
	if db == nil {
		return nil
	}
	return &TaskRunStore{db: db}
}

func (s *TaskRunStore) CreateRun(ctx context.Context, run domain.TaskRun) (domain.TaskRun, bool, error) {
	if s == nil || s.db == nil {
		return domain.TaskRun{}, false, fmt.Errorf("task run store not initialized")
	}
	if strings.TrimSpace(run.ID) == "" {
		run.ID = idgen.NewRunID()
	}
	if run.State == "" {
		run.State = domain.RunStateQueued
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}
	run.CreatedAt = normalizeTime(run.CreatedAt)
	run.UpdatedAt = run.CreatedAt
	if err := run.Validate(); err != nil {
		return domain.TaskRun{}, false, err
	}
	inputJSON, err := encodeMetadata(run.Input)
	if err != nil {
		return domain.TaskRun{}, false, fmt.Errorf("encode input: %w", err)
	}
	metadataJSON, err := encodeMetadata(run.Metadata)
	if err != nil {
		return domain.TaskRun{}, false, fmt.Errorf("encode metadata: %w", err)
	}

	key := strings.TrimSpace(run.ClientRequestKey)
	var requestKey sql.NullString
	if key != "" {
		requestKey = sql.NullString{String: key, Valid: true}
	}

	row := s.db.QueryRowContext(
		ctx,
		insertTaskRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.SessionID),
		strings.TrimSpace(run.RuntimeMode),
		string(run.State),
		run.Attempt,
		run.MaxAttempts,
		requestKey,
		inputJSON,
		metadataJSON,
		run.CreatedAt,
		run.UpdatedAt,
	)
	record, err := scanTaskRun(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.TaskRun{}, false, fmt.Errorf("insert task run: %w", err)
		}
		if key != "" {
			existing, lookupErr := s.FindByClientRequestKey(ctx, run.SessionID, key)
			if lookupErr == nil {
				return existing, false, nil
			}
			if !errors.Is(lookupErr, repo.ErrNotFound) {
				return domain.TaskRun{}, false, lookupErr
			}
		}
		return domain.TaskRun{}, false, repo.ErrActiveRunExists
	}
	return record, true, nil
}

func (s *TaskRunStore) GetRun(ctx context.Context, runID string) (domain.TaskRun, error) {
	if s == nil || s.db == nil {
		return domain.TaskRun{}, fmt.Errorf("task run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.TaskRun{}, fmt.Errorf("run id is required")
	}
	record, err := scanTaskRun(s.db.QueryRowContext(ctx, selectTaskRunByIDQuery, runID))
	if err != nil {
		return domain.TaskRun{}, handleNotFound(err)
	}
	return record, nil
}

func (s *TaskRunStore) ListBySession(ctx context.Context, filter repo.TaskRunFilter) ([]domain.TaskRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("task run store not initialized")
	}
	if strings.TrimSpace(filter.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	args := []any{strings.TrimSpace(filter.SessionID)}
	query := `SELECT ` + taskRunColumns + ` FROM task_runs WHERE session_id = $1`
	if filter.State != "" {
		args = append(args, string(filter.State))
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.TaskRun, 0)
	for rows.Next() {
		record, err := scanTaskRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		runs = append(runs, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	return runs, nil
}

func (s *TaskRunStore) FindByClientRequestKey(ctx context.Context, sessionID, key string) (domain.TaskRun, error) {
	if s == nil || s.db == nil {
		return domain.TaskRun{}, fmt.Errorf("task run store not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	key = strings.TrimSpace(key)
	if sessionID == "" {
		return domain.TaskRun{}, fmt.Errorf("session id is required")
	}
	if key == "" {
		return domain.TaskRun{}, fmt.Errorf("client request key is required")
	}
	record, err := scanTaskRun(s.db.QueryRowContext(ctx, selectTaskRunByRequestKeyQuery, sessionID, key))
	if err != nil {
		return domain.TaskRun{}, handleNotFound(err)
	}
	return record, nil
}

func (s *TaskRunStore) RequestCancel(ctx context.Context, runID string) (domain.TaskRun, error) {
	if s == nil || s.db == nil {
		return domain.TaskRun{}, fmt.Errorf("task run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.TaskRun{}, fmt.Errorf("run id is required")
	}
	record, err := scanTaskRun(s.db.QueryRowContext(ctx, requestCancelQuery, runID, time.Now().UTC()))
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.TaskRun{}, fmt.Errorf("request cancel: %w", err)
	}
	// The run was not queued or running; cancellation is idempotent, so the
	// current row is returned unchanged. Missing runs surface as ErrNotFound.
	return s.GetRun(ctx, runID)
}

func (s *TaskRunStore) UpdateState(ctx context.Context, runID string, state domain.RunState) (domain.TaskRun, error) {
	if s == nil || s.db == nil {
		return domain.TaskRun{}, fmt.Errorf("task run store not initialized")
	}
	if domain.NormalizeRunState(string(state)) == "" {
		return domain.TaskRun{}, fmt.Errorf("unknown run state %q", state)
	}
	current, err := s.GetRun(ctx, runID)
	if err != nil {
		return domain.TaskRun{}, err
	}
	if current.State == state {
		return current, nil
	}
	if !domain.CanTransition(current.State, state) {
		return domain.TaskRun{}, repo.ErrInvalidTransition
	}
	record, err := scanTaskRun(s.db.QueryRowContext(
		ctx,
		updateTaskRunStateQuery,
		current.ID,
		string(state),
		time.Now().UTC(),
		string(current.State),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Lost a race with a concurrent transition.
			return domain.TaskRun{}, repo.ErrInvalidTransition
		}
		return domain.TaskRun{}, fmt.Errorf("update run state: %w", err)
	}
	return record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRun(row rowScanner) (domain.TaskRun, error) {
	var run domain.TaskRun
	var state string
	var requestKey sql.NullString
	var inputJSON []byte
	var metadataJSON []byte
	if err := row.Scan(
		&run.ID,
		&run.SessionID,
		&run.RuntimeMode,
		&state,
		&run.Attempt,
		&run.MaxAttempts,
		&requestKey,
		&inputJSON,
		&metadataJSON,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return domain.TaskRun{}, err
	}
	run.State = domain.NormalizeRunState(state)
	if requestKey.Valid {
		run.ClientRequestKey = requestKey.String
	}
	input, err := decodeMetadata(inputJSON)
	if err != nil {
		return domain.TaskRun{}, fmt.Errorf("decode input: %w", err)
	}
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.TaskRun{}, fmt.Errorf("decode metadata: %w", err)
	}
	run.Input = input
	run.Metadata = metadata
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return run, nil
}
