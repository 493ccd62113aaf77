package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRecorder stores transitions in a single-file SQLite database.
// Zero-setup backend for single-process deployments; WAL mode keeps
// reads concurrent with the worker's writes.
type SQLiteRecorder struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS step_transitions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    workflow_id TEXT NOT NULL,
    step_id     TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status   TEXT NOT NULL,
    at          TIMESTAMP NOT NULL,
    detail      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_step_transitions_workflow
    ON step_transitions(workflow_id, at);
`

// NewSQLiteRecorder opens (and migrates) the database at path. Use
// ":memory:" for an ephemeral database in tests.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite history: %w", err)
	}

	// One writer at a time; the worker is the only steady writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}

	return &SQLiteRecorder{db: db}, nil
}

// Record implements Recorder.
func (r *SQLiteRecorder) Record(ctx context.Context, t Transition) error {
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO step_transitions (workflow_id, step_id, from_status, to_status, at, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.WorkflowID, t.StepID, t.From, t.To, at, t.Detail,
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// Recent implements Recorder.
func (r *SQLiteRecorder) Recent(ctx context.Context, workflowID string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT workflow_id, step_id, from_status, to_status, at, detail
		 FROM step_transitions WHERE workflow_id = ?
		 ORDER BY at DESC, id DESC LIMIT ?`,
		workflowID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.WorkflowID, &t.StepID, &t.From, &t.To, &t.At, &t.Detail); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close implements Recorder.
func (r *SQLiteRecorder) Close() error { return r.db.Close() }
