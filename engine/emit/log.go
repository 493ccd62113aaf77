package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes events to a writer, either as human-readable lines or
// as one JSON object per line (JSONL).
//
// Text:
//
//	[step_completed] workflow=wf-1 step=fetch meta={"tokens":812}
//
// JSONL:
//
//	{"workflowID":"wf-1","stepID":"fetch","msg":"step_completed","meta":{"tokens":812}}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		WorkflowID string         `json:"workflowID"`
		StepID     string         `json:"stepID,omitempty"`
		Msg        string         `json:"msg"`
		Meta       map[string]any `json:"meta,omitempty"`
	}{
		WorkflowID: event.WorkflowID,
		StepID:     event.StepID,
		Msg:        event.Msg,
		Meta:       event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] workflow=%s", event.Msg, event.WorkflowID)
	if event.StepID != "" {
		fmt.Fprintf(l.writer, " step=%s", event.StepID)
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
