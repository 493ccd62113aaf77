// Package emit delivers observability events from the execution core to
// pluggable backends: structured logs, OpenTelemetry spans, or nothing.
package emit

// Event is one observable occurrence during workflow execution: a step
// transition, a queue mutation, a recovery action.
type Event struct {
	// WorkflowID identifies the workflow the event belongs to. Empty for
	// process-level events (worker start, recovery sweep).
	WorkflowID string

	// StepID identifies the step, when the event is step-scoped.
	StepID string

	// Msg names the event ("step_running", "step_completed",
	// "step_failed", "workflow_completed", "ticket_requeued", ...).
	Msg string

	// Meta carries event-specific structured data. Common keys:
	// "error", "duration_ms", "tokens", "cost", "attempts".
	Meta map[string]any
}

// Emitter receives events from the core.
//
// Implementations must be safe for concurrent use, must not block the
// worker loop, and must not panic; backend failures are swallowed or
// logged internally.
type Emitter interface {
	Emit(event Event)
}
