package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/taskstream-labs/taskstream-go/internal/domain"
	"github.com/taskstream-labs/taskstream-go/internal/idgen"
)

type SessionEventLog struct {
	db DB
}

const sessionEventColumns = `event_id, session_id, sequence, event_type, properties, directory, created_at`

const (
	lockSessionEventLogQuery = `SELECT pg_advisory_xact_lock(hashtextextended('session_events:' || $1, 0))`

	nextSessionEventSequenceQuery = `SELECT COALESCE(MAX(sequence), 0) + 1
	 FROM session_events
	 WHERE session_id = $1`

	insertSessionEventQuery = `INSERT INTO session_events (
		event_id,
		session_id,
		sequence,
		event_type,
		properties,
		directory,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	selectSessionEventSequenceQuery = `SELECT sequence
	 FROM session_events
	 WHERE session_id = $1 AND event_id = $2`

	countSessionEventsQuery = `SELECT COUNT(*)
	 FROM session_events
	 WHERE session_id = $1`

	listSessionEventsAfterQuery = `SELECT ` + sessionEventColumns + `
	 FROM session_events
	 WHERE session_id = $1 AND sequence > $2
	 ORDER BY sequence ASC
	 LIMIT $3`
)

func NewSessionEventLog(db DB) *SessionEventLog {
	if db == nil {
		return nil
	}
	return &SessionEventLog{db: db}
}

func (l *SessionEventLog) Append(ctx context.Context, event domain.SessionEvent) (domain.SessionEvent, error) {
	if l == nil || l.db == nil {
		return domain.SessionEvent{}, fmt.Errorf("session event log not initialized")
	}
	if strings.TrimSpace(event.ID) == "" {
		event.ID = idgen.NewEventID()
	}
	event.CreatedAt = normalizeTime(event.CreatedAt)
	if err := event.Validate(); err != nil {
		return domain.SessionEvent{}, err
	}
	propertiesJSON, err := encodeMetadata(event.Properties)
	if err != nil {
		return domain.SessionEvent{}, fmt.Errorf("encode properties: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.SessionEvent{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, lockSessionEventLogQuery, event.SessionID); err != nil {
		return domain.SessionEvent{}, fmt.Errorf("lock session event log: %w", err)
	}
	if err := tx.QueryRowContext(ctx, nextSessionEventSequenceQuery, event.SessionID).Scan(&event.Sequence); err != nil {
		return domain.SessionEvent{}, fmt.Errorf("next sequence: %w", err)
	}

	var directory sql.NullString
	if dir := strings.TrimSpace(event.Directory); dir != "" {
		directory = sql.NullString{String: dir, Valid: true}
	}
	if _, err := tx.ExecContext(
		ctx,
		insertSessionEventQuery,
		event.ID,
		strings.TrimSpace(event.SessionID),
		event.Sequence,
		strings.TrimSpace(event.Type),
		propertiesJSON,
		directory,
		event.CreatedAt,
	); err != nil {
		return domain.SessionEvent{}, fmt.Errorf("insert session event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.SessionEvent{}, fmt.Errorf("commit append: %w", err)
	}
	return event, nil
}

func (l *SessionEventLog) SequenceByEventID(ctx context.Context, sessionID, eventID string) (int64, error) {
	if l == nil || l.db == nil {
		return 0, fmt.Errorf("session event log not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	eventID = strings.TrimSpace(eventID)
	if sessionID == "" {
		return 0, fmt.Errorf("session id is required")
	}
	if eventID == "" {
		return 0, fmt.Errorf("event id is required")
	}
	var sequence int64
	if err := l.db.QueryRowContext(ctx, selectSessionEventSequenceQuery, sessionID, eventID).Scan(&sequence); err != nil {
		return 0, handleNotFound(err)
	}
	return sequence, nil
}

func (l *SessionEventLog) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	if l == nil || l.db == nil {
		return 0, fmt.Errorf("session event log not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, fmt.Errorf("session id is required")
	}
	var total int64
	if err := l.db.QueryRowContext(ctx, countSessionEventsQuery, sessionID).Scan(&total); err != nil {
		return 0, fmt.Errorf("count session events: %w", err)
	}
	return total, nil
}

func (l *SessionEventLog) ListAfter(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]domain.SessionEvent, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("session event log not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if afterSequence < 0 {
		afterSequence = 0
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx, listSessionEventsAfterQuery, sessionID, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.SessionEvent, 0)
	for rows.Next() {
		event, err := scanSessionEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	return events, nil
}

func scanSessionEvent(row rowScanner) (domain.SessionEvent, error) {
	var event domain.SessionEvent
	var propertiesJSON []byte
	var directory sql.NullString
	if err := row.Scan(
		&event.ID,
		&event.SessionID,
		&event.Sequence,
		&event.Type,
		&propertiesJSON,
		&directory,
		&event.CreatedAt,
	); err != nil {
		return domain.SessionEvent{}, err
	}
	if directory.Valid {
		event.Directory = directory.String
	}
	properties, err := decodeMetadata(propertiesJSON)
	if err != nil {
		return domain.SessionEvent{}, fmt.Errorf("decode properties: %w", err)
	}
	event.Properties = properties
	event.CreatedAt = event.CreatedAt.UTC()
	return event, nil
}
