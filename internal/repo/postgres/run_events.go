package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/taskstream-labs/taskstream-go/internal/domain"
	"github.com/taskstream-labs/taskstream-go/internal/idgen"
)

type RunEventLog struct {
	db DB
}

const runEventColumns = `event_id, run_id, session_id, sequence, event_type, payload, dedupe_key, created_at`

const (
	// Appends for one run are serialized on an advisory lock held for the
	// transaction, so MAX(sequence)+1 never collides and dedupe-skipped
	// appends never consume a sequence.
	lockRunEventLogQuery = `SELECT pg_advisory_xact_lock(hashtextextended('task_run_events:' || $1, 0))`

	selectRunEventByDedupeQuery = `SELECT ` + runEventColumns + `
	 FROM task_run_events
	 WHERE run_id = $1 AND dedupe_key = $2`

	nextRunEventSequenceQuery = `SELECT COALESCE(MAX(sequence), 0) + 1
	 FROM task_run_events
	 WHERE run_id = $1`

	insertRunEventQuery = `INSERT INTO task_run_events (
		event_id,
		run_id,
		session_id,
		sequence,
		event_type,
		payload,
		dedupe_key,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	listRunEventsAfterQuery = `SELECT ` + runEventColumns + `
	 FROM task_run_events
	 WHERE run_id = $1 AND sequence > $2
	 ORDER BY sequence ASC
	 LIMIT $3`
)

func NewRunEventLog(db DB) *RunEventLog {
	if db == nil {
		return nil
	}
	return &RunEventLog{db: db}
}

func (l *RunEventLog) Append(ctx context.Context, event domain.TaskRunEvent) (domain.TaskRunEvent, bool, error) {
	if l == nil || l.db == nil {
		return domain.TaskRunEvent{}, false, fmt.Errorf("run event log not initialized")
	}
	if strings.TrimSpace(event.ID) == "" {
		event.ID = idgen.NewEventID()
	}
	event.CreatedAt = normalizeTime(event.CreatedAt)
	if err := event.Validate(); err != nil {
		return domain.TaskRunEvent{}, false, err
	}
	payloadJSON, err := encodeMetadata(event.Payload)
	if err != nil {
		return domain.TaskRunEvent{}, false, fmt.Errorf("encode payload: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskRunEvent{}, false, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, lockRunEventLogQuery, event.RunID); err != nil {
		return domain.TaskRunEvent{}, false, fmt.Errorf("lock run event log: %w", err)
	}

	dedupeKey := strings.TrimSpace(event.DedupeKey)
	if dedupeKey != "" {
		existing, err := scanRunEvent(tx.QueryRowContext(ctx, selectRunEventByDedupeQuery, event.RunID, dedupeKey))
		if err == nil {
			if commitErr := tx.Commit(); commitErr != nil {
				return domain.TaskRunEvent{}, false, fmt.Errorf("commit append: %w", commitErr)
			}
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.TaskRunEvent{}, false, fmt.Errorf("dedupe lookup: %w", err)
		}
	}

	if err := tx.QueryRowContext(ctx, nextRunEventSequenceQuery, event.RunID).Scan(&event.Sequence); err != nil {
		return domain.TaskRunEvent{}, false, fmt.Errorf("next sequence: %w", err)
	}

	var storedDedupe sql.NullString
	if dedupeKey != "" {
		storedDedupe = sql.NullString{String: dedupeKey, Valid: true}
	}
	if _, err := tx.ExecContext(
		ctx,
		insertRunEventQuery,
		event.ID,
		strings.TrimSpace(event.RunID),
		strings.TrimSpace(event.SessionID),
		event.Sequence,
		strings.TrimSpace(event.Type),
		payloadJSON,
		storedDedupe,
		event.CreatedAt,
	); err != nil {
		return domain.TaskRunEvent{}, false, fmt.Errorf("insert run event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskRunEvent{}, false, fmt.Errorf("commit append: %w", err)
	}
	return event, true, nil
}

func (l *RunEventLog) ListAfter(ctx context.Context, runID string, afterSequence int64, limit int) ([]domain.TaskRunEvent, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("run event log not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if afterSequence < 0 {
		afterSequence = 0
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx, listRunEventsAfterQuery, runID, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.TaskRunEvent, 0)
	for rows.Next() {
		event, err := scanRunEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	return events, nil
}

func scanRunEvent(row rowScanner) (domain.TaskRunEvent, error) {
	var event domain.TaskRunEvent
	var payloadJSON []byte
	var dedupeKey sql.NullString
	if err := row.Scan(
		&event.ID,
		&event.RunID,
		&event.SessionID,
		&event.Sequence,
		&event.Type,
		&payloadJSON,
		&dedupeKey,
		&event.CreatedAt,
	); err != nil {
		return domain.TaskRunEvent{}, err
	}
	if dedupeKey.Valid {
		event.DedupeKey = dedupeKey.String
	}
	payload, err := decodeMetadata(payloadJSON)
	if err != nil {
		return domain.TaskRunEvent{}, fmt.Errorf("decode payload: %w", err)
	}
	event.Payload = payload
	event.CreatedAt = event.CreatedAt.UTC()
	return event, nil
}
