package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// TestLogEmitter_Text verifies the human-readable line format.
func TestLogEmitter_Text(t *testing.T) {
	t.Run("step-scoped event", func(t *testing.T) {
		var buf bytes.Buffer
		e := NewLogEmitter(&buf, false)
		e.Emit(Event{
			WorkflowID: "wf-1",
			StepID:     "fetch",
			Msg:        "step_completed",
			Meta:       map[string]any{"tokens": 812},
		})

		line := buf.String()
		if !strings.HasPrefix(line, "[step_completed] workflow=wf-1 step=fetch") {
			t.Errorf("unexpected line: %q", line)
		}
		if !strings.Contains(line, `"tokens":812`) {
			t.Errorf("expected meta JSON in line: %q", line)
		}
	})

	t.Run("workflow-scoped event omits step", func(t *testing.T) {
		var buf bytes.Buffer
		e := NewLogEmitter(&buf, false)
		e.Emit(Event{WorkflowID: "wf-1", Msg: "workflow_completed"})

		line := strings.TrimSpace(buf.String())
		if line != "[workflow_completed] workflow=wf-1" {
			t.Errorf("unexpected line: %q", line)
		}
	})
}

// TestLogEmitter_JSONL verifies the one-object-per-line format.
func TestLogEmitter_JSONL(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)
	e.Emit(Event{WorkflowID: "wf-1", StepID: "a", Msg: "step_running"})
	e.Emit(Event{WorkflowID: "wf-1", StepID: "a", Msg: "step_failed", Meta: map[string]any{"error": "boom"}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 1 is not JSON: %v", err)
	}
	if first["workflowID"] != "wf-1" || first["msg"] != "step_running" {
		t.Errorf("unexpected first event: %v", first)
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("line 2 is not JSON: %v", err)
	}
	meta, _ := second["meta"].(map[string]any)
	if meta["error"] != "boom" {
		t.Errorf("expected error meta, got %v", second)
	}
}

// TestNullEmitter verifies the no-op emitter is safe to call.
func TestNullEmitter(t *testing.T) {
	e := NewNullEmitter()
	e.Emit(Event{WorkflowID: "wf-1", Msg: "anything"})
}
