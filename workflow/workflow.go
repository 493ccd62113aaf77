// Package workflow defines the persisted document model shared by the
// execution core, the state store, and the HTTP edge: workflows, their
// steps, the status state machine, and the structural invariants enforced
// at creation time.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state shared by workflows and steps.
//
// The string values are part of the persisted document contract and must
// not change: external consumers match on them bit-exactly.
type Status string

const (
	StatusPending              Status = "PENDING"
	StatusRunning              Status = "RUNNING"
	StatusCompleted            Status = "COMPLETED"
	StatusFailed               Status = "FAILED"
	StatusWaitingForDependency Status = "WAITING_FOR_DEPENDENCY"
	StatusStopped              Status = "STOPPED"
)

// Terminal reports whether the status is one of the terminal states.
// Terminal steps are immune to dequeue: the worker's idempotency gate
// discards tickets for them.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Failure policies for a step. StopWorkflow fails the whole workflow and
// cascades STOPPED to transitive successors; Continue leaves siblings
// untouched.
const (
	OnFailureStop     = "stop_workflow"
	OnFailureContinue = "continue"
)

// ActionExternalData marks a placeholder step that completes only when
// its payload is ingested through the external-data endpoint. Such steps
// are never enqueued; the scheduler skips them.
const ActionExternalData = "external_data"

// Step is a node in the workflow DAG. A step becomes runnable when every
// identifier in Dependencies names a COMPLETED step of the same workflow.
type Step struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Action       string         `json:"action"`
	Status       Status         `json:"status"`
	Dependencies []string       `json:"dependencies"`
	Params       map[string]any `json:"params,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartTime    *time.Time     `json:"startTime,omitempty"`
	EndTime      *time.Time     `json:"endTime,omitempty"`

	// Duration is the human-readable execution time ("2 min 5 sec").
	Duration string `json:"duration,omitempty"`

	// Logs is append-only; entries are never rewritten or removed.
	Logs []string `json:"logs,omitempty"`

	// Metadata is reported verbatim by the adapter that executed the step.
	Metadata map[string]any `json:"metadata,omitempty"`

	// ExecutionMetrics mirrors the well-known adapter metadata keys
	// (tokens, cost, model, duration_ms) for workflow-level aggregation.
	ExecutionMetrics map[string]any `json:"executionMetrics,omitempty"`

	// OnFailure selects the failure policy; empty means stop_workflow.
	OnFailure string `json:"onFailure,omitempty"`
}

// FailurePolicy returns the effective policy, applying the default.
func (s *Step) FailurePolicy() string {
	if s.OnFailure == "" {
		return OnFailureStop
	}
	return s.OnFailure
}

// AppendLog adds a log line to the step. Logs are append-only.
func (s *Step) AppendLog(line string) {
	s.Logs = append(s.Logs, line)
}

// WorkflowMetrics holds token and cost totals aggregated across all steps.
type WorkflowMetrics struct {
	TotalTokens int     `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
}

// Workflow is the top-level aggregate persisted as one JSON document per
// workflow directory. It is created by the HTTP edge and mutated only by
// the worker and the edge's stop/resume/external-data operations.
//
// Unknown JSON fields encountered on read are retained and written back
// unchanged, so edge-side additions survive core read-modify-write cycles.
type Workflow struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Status        Status             `json:"status"`
	Steps         []*Step            `json:"steps"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
	Description   string             `json:"description,omitempty"`
	Progress      int                `json:"progress"`
	Metrics       *WorkflowMetrics   `json:"metrics,omitempty"`
	CostBreakdown map[string]float64 `json:"costBreakdown,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`

	// extra carries fields this version of the core does not recognize.
	extra map[string]json.RawMessage
}

// workflowAlias avoids marshal recursion in the custom JSON methods.
type workflowAlias Workflow

// knownWorkflowFields lists every key the core owns in the document.
var knownWorkflowFields = []string{
	"id", "name", "status", "steps", "createdAt", "updatedAt",
	"description", "progress", "metrics", "costBreakdown", "metadata",
}

// UnmarshalJSON decodes the known fields and stashes everything else for
// round-tripping.
func (w *Workflow) UnmarshalJSON(data []byte) error {
	var alias workflowAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownWorkflowFields {
		delete(raw, k)
	}
	if len(raw) == 0 {
		raw = nil
	}

	*w = Workflow(alias)
	w.extra = raw
	return nil
}

// MarshalJSON encodes the known fields and merges back any retained
// unknown fields.
func (w Workflow) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(workflowAlias(w))
	if err != nil {
		return nil, err
	}
	if len(w.extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range w.extra {
		if _, owned := merged[k]; !owned {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// StepByID returns the step with the given identifier, or nil.
func (w *Workflow) StepByID(id string) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// CompletedSet returns the identifiers of all COMPLETED steps.
func (w *Workflow) CompletedSet() map[string]bool {
	done := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.Status == StatusCompleted {
			done[s.ID] = true
		}
	}
	return done
}

// DependenciesMet reports whether every dependency of the step appears in
// the completed set.
func DependenciesMet(step *Step, completed map[string]bool) bool {
	for _, dep := range step.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// ReadySteps returns the PENDING steps whose dependencies are all
// COMPLETED. These are the candidates for enqueueing after a predecessor
// completes, during recovery, and on resume. External-data placeholders
// are excluded: they complete by ingestion, not by the worker.
func (w *Workflow) ReadySteps() []*Step {
	completed := w.CompletedSet()
	var ready []*Step
	for _, s := range w.Steps {
		if s.Action == ActionExternalData {
			continue
		}
		if s.Status == StatusPending && DependenciesMet(s, completed) {
			ready = append(ready, s)
		}
	}
	return ready
}

// TransitiveSuccessors returns the identifiers of every step reachable from
// stepID by following dependency edges forward. Used by the stop_workflow
// cascade.
func (w *Workflow) TransitiveSuccessors(stepID string) map[string]bool {
	dependents := make(map[string][]string, len(w.Steps))
	for _, s := range w.Steps {
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	seen := make(map[string]bool)
	stack := []string{stepID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range dependents[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return seen
}

// ComputeProgress returns floor(100 * completed / total), or 0 for an
// empty workflow. The worker forces 100 when the workflow completes.
func (w *Workflow) ComputeProgress() int {
	if len(w.Steps) == 0 {
		return 0
	}
	completed := 0
	for _, s := range w.Steps {
		if s.Status == StatusCompleted {
			completed++
		}
	}
	return completed * 100 / len(w.Steps)
}

// Active reports whether any step can still make progress.
func (w *Workflow) Active() bool {
	for _, s := range w.Steps {
		switch s.Status {
		case StatusPending, StatusRunning, StatusWaitingForDependency:
			return true
		}
	}
	return false
}

// Validate checks the structural invariants enforced at creation time:
// non-empty identifiers, unique step IDs, valid failure policies,
// dependency references within the workflow, and an acyclic dependency
// graph. Runtime code assumes these hold and does not re-check.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", w.ID)
	}

	byID := make(map[string]*Step, len(w.Steps))
	for _, s := range w.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow %s: step with empty id", w.ID)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("workflow %s: duplicate step id %q", w.ID, s.ID)
		}
		if s.OnFailure != "" && s.OnFailure != OnFailureStop && s.OnFailure != OnFailureContinue {
			return fmt.Errorf("workflow %s: step %s: invalid onFailure %q", w.ID, s.ID, s.OnFailure)
		}
		byID[s.ID] = s
	}

	for _, s := range w.Steps {
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("workflow %s: step %s depends on unknown step %q", w.ID, s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("workflow %s: step %s depends on itself", w.ID, s.ID)
			}
		}
	}

	if err := checkAcyclic(w.Steps); err != nil {
		return fmt.Errorf("workflow %s: %w", w.ID, err)
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the dependency graph.
func checkAcyclic(steps []*Step) error {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] = len(s.Dependencies)
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var frontier []string
	for id, n := range indegree {
		if n == 0 {
			frontier = append(frontier, id)
		}
	}

	visited := 0
	for len(frontier) > 0 {
		cur := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		visited++
		for _, next := range dependents[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}

	if visited != len(steps) {
		return fmt.Errorf("dependency graph contains a cycle")
	}
	return nil
}

// FormatDuration renders an elapsed time the way the documents expect:
// "N sec", "N min M sec", or "N hr M min".
func FormatDuration(start, end time.Time) string {
	total := int(end.Sub(start).Seconds())
	if total < 0 {
		total = 0
	}
	switch {
	case total < 60:
		return fmt.Sprintf("%d sec", total)
	case total < 3600:
		return fmt.Sprintf("%d min %d sec", total/60, total%60)
	default:
		return fmt.Sprintf("%d hr %d min", total/3600, (total%3600)/60)
	}
}
