// Package history records step status transitions to a SQL audit log.
// Recording is best-effort and optional: the durable source of truth is
// the workflow document, the history exists for inspection and debugging
// of past runs.
package history

import (
	"context"
	"time"
)

// Transition is one recorded step status change.
type Transition struct {
	WorkflowID string
	StepID     string
	From       string
	To         string
	At         time.Time

	// Detail carries free-form context: the error text for failures, the
	// adapter action for starts.
	Detail string
}

// Recorder persists transitions. Implementations must tolerate concurrent
// use; failures are returned for the caller to log, never to abort the
// worker.
type Recorder interface {
	// Record appends one transition to the log.
	Record(ctx context.Context, t Transition) error

	// Recent returns up to limit transitions for a workflow, newest
	// first.
	Recent(ctx context.Context, workflowID string, limit int) ([]Transition, error)

	// Close releases the underlying storage.
	Close() error
}

// NullRecorder discards transitions. Used when no history backend is
// configured.
type NullRecorder struct{}

// NewNullRecorder creates a NullRecorder.
func NewNullRecorder() *NullRecorder { return &NullRecorder{} }

// Record implements Recorder by doing nothing.
func (*NullRecorder) Record(context.Context, Transition) error { return nil }

// Recent implements Recorder; there is never any history.
func (*NullRecorder) Recent(context.Context, string, int) ([]Transition, error) {
	return nil, nil
}

// Close implements Recorder.
func (*NullRecorder) Close() error { return nil }
