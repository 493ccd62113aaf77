package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLRecorder stores transitions in MySQL for deployments that want the
// audit log off the local disk.
//
// DSN format follows go-sql-driver/mysql, e.g.
// "user:pass@tcp(127.0.0.1:3306)/hybridengine?parseTime=true".
// parseTime=true is required so timestamps scan into time.Time.
type MySQLRecorder struct {
	db *sql.DB
}

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS step_transitions (
    id          BIGINT AUTO_INCREMENT PRIMARY KEY,
    workflow_id VARCHAR(255) NOT NULL,
    step_id     VARCHAR(255) NOT NULL,
    from_status VARCHAR(32) NOT NULL,
    to_status   VARCHAR(32) NOT NULL,
    at          TIMESTAMP(3) NOT NULL,
    detail      TEXT,
    INDEX idx_step_transitions_workflow (workflow_id, at)
) ENGINE=InnoDB`

// NewMySQLRecorder connects and migrates the transition table.
func NewMySQLRecorder(dsn string) (*MySQLRecorder, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql history: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql history: %w", err)
	}
	if _, err := db.ExecContext(ctx, mysqlSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}

	return &MySQLRecorder{db: db}, nil
}

// Record implements Recorder.
func (r *MySQLRecorder) Record(ctx context.Context, t Transition) error {
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
func (r *MySQLRecorder) Recent(ctx context.Context, workflowID string, limit int) ([]Transition, error) {
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
		var detail sql.NullString
		if err := rows.Scan(&t.WorkflowID, &t.StepID, &t.From, &t.To, &t.At, &detail); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.Detail = detail.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close implements Recorder.
func (r *MySQLRecorder) Close() error { return r.db.Close() }
