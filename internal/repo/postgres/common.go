// Package postgres implements the repo contracts on PostgreSQL via
// database/sql and the pgx stdlib driver.
//
// Expected tables (schema is managed externally):
//
//	task_runs          unique(run_id); unique(session_id, client_request_key);
//	                   partial unique(session_id) where state in
//	                   ('queued','running','cancel_requested')
//	task_run_events    unique(event_id); unique(run_id, sequence);
//	                   unique(run_id, dedupe_key)
//	session_events     unique(event_id); unique(session_id, sequence)
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/taskstream-labs/taskstream-go/internal/domain"
	"github.com/taskstream-labs/taskstream-go/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func encodeMetadata(meta domain.Metadata) ([]byte, error) {
	if meta == nil {
		meta = domain.Metadata{}
	}
	return json.Marshal(meta)
}

func decodeMetadata(raw []byte) (domain.Metadata, error) {
	if len(raw) == 0 {
		return domain.Metadata{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return domain.Metadata(out), nil
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}
