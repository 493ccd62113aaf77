package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestRecorder(t *testing.T) *SQLiteRecorder {
	t.Helper()
	r, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRecorder failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// TestSQLiteRecorder_RecordRecent verifies the insert and newest-first
// query path.
func TestSQLiteRecorder_RecordRecent(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	transitions := []Transition{
		{WorkflowID: "wf-1", StepID: "a", From: "PENDING", To: "RUNNING", At: base},
		{WorkflowID: "wf-1", StepID: "a", From: "RUNNING", To: "COMPLETED", At: base.Add(time.Minute)},
		{WorkflowID: "wf-2", StepID: "x", From: "PENDING", To: "RUNNING", At: base.Add(2 * time.Minute)},
	}
	for _, tr := range transitions {
		if err := r.Record(ctx, tr); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	t.Run("returns only the requested workflow, newest first", func(t *testing.T) {
		got, err := r.Recent(ctx, "wf-1", 10)
		if err != nil {
			t.Fatalf("Recent failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 transitions, got %d", len(got))
		}
		if got[0].To != "COMPLETED" || got[1].To != "RUNNING" {
			t.Errorf("unexpected order: %v then %v", got[0].To, got[1].To)
		}
	})

	t.Run("limit caps the result", func(t *testing.T) {
		got, err := r.Recent(ctx, "wf-1", 1)
		if err != nil {
			t.Fatalf("Recent failed: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 transition, got %d", len(got))
		}
	})

	t.Run("unknown workflow yields empty result", func(t *testing.T) {
		got, err := r.Recent(ctx, "ghost", 10)
		if err != nil {
			t.Fatalf("Recent failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected no transitions, got %d", len(got))
		}
	})
}

// TestSQLiteRecorder_ZeroTime verifies a missing timestamp is stamped at
// record time.
func TestSQLiteRecorder_ZeroTime(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	if err := r.Record(ctx, Transition{WorkflowID: "wf", StepID: "a", From: "PENDING", To: "RUNNING"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	got, err := r.Recent(ctx, "wf", 1)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 1 || got[0].At.IsZero() {
		t.Errorf("expected stamped timestamp, got %v", got)
	}
}

// TestSQLiteRecorder_Reopen verifies the schema migration is idempotent
// and data survives reopening the file.
func TestSQLiteRecorder_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	r, err := NewSQLiteRecorder(path)
	if err != nil {
		t.Fatalf("NewSQLiteRecorder failed: %v", err)
	}
	if err := r.Record(ctx, Transition{WorkflowID: "wf", StepID: "a", From: "PENDING", To: "RUNNING"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteRecorder(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Recent(ctx, "wf", 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 transition after reopen, got %d", len(got))
	}
}

// TestNullRecorder verifies the no-op backend.
func TestNullRecorder(t *testing.T) {
	ctx := context.Background()
	r := NewNullRecorder()
	if err := r.Record(ctx, Transition{WorkflowID: "wf"}); err != nil {
		t.Errorf("Record failed: %v", err)
	}
	got, err := r.Recent(ctx, "wf", 10)
	if err != nil || got != nil {
		t.Errorf("expected empty history, got %v, %v", got, err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
