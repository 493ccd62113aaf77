package engine

import (
	"github.com/hybridengine/hybridengine/workflow"
)

// metricValue coerces a numeric adapter metadata value. Metadata travels
// through JSON, so numbers may arrive as float64 even when the adapter
// produced an int.
func metricValue(meta map[string]any, key string) (float64, bool) {
	raw, ok := meta[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// AggregateMetrics recomputes the workflow's token and cost totals and the
// per-model cost breakdown from the execution metrics of its steps. It is
// called after every step settles so the document always reflects the sum
// of work done so far.
func AggregateMetrics(wf *workflow.Workflow) {
	metrics := workflow.WorkflowMetrics{}
	breakdown := make(map[string]float64)

	for _, step := range wf.Steps {
		if len(step.ExecutionMetrics) == 0 {
			continue
		}
		if tokens, ok := metricValue(step.ExecutionMetrics, "tokens"); ok {
			metrics.TotalTokens += int(tokens)
		}
		cost, hasCost := metricValue(step.ExecutionMetrics, "cost")
		if hasCost {
			metrics.TotalCost += cost
		}
		if model, ok := step.ExecutionMetrics["model"].(string); ok && model != "" && hasCost {
			breakdown[model] += cost
		}
	}

	wf.Metrics = &metrics
	if len(breakdown) > 0 {
		wf.CostBreakdown = breakdown
	} else {
		wf.CostBreakdown = nil
	}
}

// Settle recomputes aggregates and progress, then applies the terminal
// workflow status once no step remains runnable: FAILED when any step
// failed, COMPLETED (progress forced to 100) otherwise. STOPPED
// workflows keep the status the operator set. Every code path that
// settles a step goes through this, the worker and the HTTP edge alike.
// Returns whether the workflow is terminal after the call.
func Settle(wf *workflow.Workflow) bool {
	AggregateMetrics(wf)
	wf.Progress = wf.ComputeProgress()

	if wf.Active() || wf.Status == workflow.StatusStopped {
		return false
	}

	for _, s := range wf.Steps {
		if s.Status == workflow.StatusFailed {
			wf.Status = workflow.StatusFailed
			return true
		}
	}

	wf.Status = workflow.StatusCompleted
	wf.Progress = 100
	return true
}
