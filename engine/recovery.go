package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hybridengine/hybridengine/engine/emit"
	"github.com/hybridengine/hybridengine/engine/queue"
	"github.com/hybridengine/hybridengine/engine/store"
	"github.com/hybridengine/hybridengine/workflow"
)

// Recovery reconciles persisted workflow state with the durable queue at
// startup. It runs to completion before the worker consumes its first
// ticket, and it is idempotent: a second pass over an already-recovered
// state changes nothing.
type Recovery struct {
	store   store.Store
	queue   *queue.Queue
	emitter emit.Emitter
	metrics *Metrics
	logger  *log.Logger
}

// NewRecovery wires a recovery manager. Emitter and metrics may be nil.
func NewRecovery(st store.Store, q *queue.Queue, logger *log.Logger) *Recovery {
	if logger == nil {
		logger = log.Default()
	}
	return &Recovery{
		store:   st,
		queue:   q,
		emitter: emit.NewNullEmitter(),
		logger:  logger,
	}
}

// WithEmitter sets the event emitter.
func (r *Recovery) WithEmitter(e emit.Emitter) *Recovery {
	if e != nil {
		r.emitter = e
	}
	return r
}

// WithMetrics sets the Prometheus collector set.
func (r *Recovery) WithMetrics(m *Metrics) *Recovery {
	r.metrics = m
	return r
}

// Run performs the full recovery sweep: reset interrupted steps, re-seed
// the queue for runnable work, and drop stale tickets.
func (r *Recovery) Run(ctx context.Context) error {
	workflows, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list workflows for recovery: %w", err)
	}

	recovered := 0
	for _, wf := range workflows {
		changed, err := r.recoverWorkflow(ctx, wf)
		if err != nil {
			return err
		}
		if changed {
			recovered++
		}
	}

	if err := r.cleanQueue(ctx); err != nil {
		return err
	}

	r.logger.Info("recovery complete",
		"workflows", len(workflows), "recovered", recovered, "queue_depth", r.queue.Size())
	r.metrics.SetQueueDepth(r.queue.Size())
	return nil
}

// recoverWorkflow resets one stuck workflow and re-seeds tickets for its
// runnable steps. Returns whether the document was modified.
func (r *Recovery) recoverWorkflow(ctx context.Context, wf *workflow.Workflow) (bool, error) {
	switch wf.Status {
	case workflow.StatusRunning, workflow.StatusPending, workflow.StatusWaitingForDependency:
	default:
		return false, nil
	}

	changed := false
	if wf.Status == workflow.StatusRunning {
		wf.Status = workflow.StatusPending
		changed = true
	}

	now := time.Now().UTC()
	for _, step := range wf.Steps {
		switch step.Status {
		case workflow.StatusRunning, workflow.StatusWaitingForDependency:
			// A waiting step whose ticket is still queued is consistent,
			// not stuck; resetting it would make a second sweep diverge.
			if step.Status == workflow.StatusWaitingForDependency &&
				r.queue.Contains(queue.Ticket{WorkflowID: wf.ID, NodeID: step.ID}) {
				continue
			}
			step.Status = workflow.StatusPending
			step.Error = ""
			step.EndTime = nil
			step.AppendLog(fmt.Sprintf("Reset to PENDING by recovery at %s", now.Format(time.RFC3339)))
			changed = true
			r.metrics.Recovery()
			r.emitter.Emit(emit.Event{
				WorkflowID: wf.ID,
				StepID:     step.ID,
				Msg:        "step_recovered",
			})
			r.logger.Info("reset interrupted step", "workflow", wf.ID, "step", step.ID)
		}
	}

	// Re-seed tickets for every runnable step that does not already have
	// one. The flip to WAITING_FOR_DEPENDENCY is what makes a second pass
	// a no-op.
	completed := wf.CompletedSet()
	for _, step := range wf.Steps {
		if step.Status != workflow.StatusPending || !workflow.DependenciesMet(step, completed) {
			continue
		}
		if step.Action == workflow.ActionExternalData {
			continue
		}
		ticket := queue.Ticket{WorkflowID: wf.ID, NodeID: step.ID}
		if r.queue.Contains(ticket) {
			continue
		}
		if err := r.queue.Add(ctx, ticket); err != nil {
			return changed, fmt.Errorf("re-enqueue recovered step %s: %w", ticket.Key(), err)
		}
		step.Status = workflow.StatusWaitingForDependency
		changed = true
		r.logger.Info("re-enqueued recovered step", "workflow", wf.ID, "step", step.ID)
	}

	if !changed {
		return false, nil
	}
	wf.Progress = wf.ComputeProgress()
	if err := r.store.Write(ctx, wf.ID, wf); err != nil {
		return changed, fmt.Errorf("persist recovered workflow %s: %w", wf.ID, err)
	}
	return true, nil
}

// cleanQueue drops tickets whose workflow document is gone or whose step
// already settled.
func (r *Recovery) cleanQueue(ctx context.Context) error {
	removed, err := r.queue.Filter(ctx, func(t queue.Ticket) bool {
		wf, err := r.store.Get(ctx, t.WorkflowID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return false
			}
			// Keep the ticket when the document is merely unreadable; the
			// worker will retry and report.
			return true
		}
		step := wf.StepByID(t.NodeID)
		if step == nil {
			return false
		}
		return !step.Status.Terminal()
	})
	if err != nil {
		return fmt.Errorf("clean queue: %w", err)
	}
	if removed > 0 {
		r.logger.Info("dropped stale tickets", "count", removed)
	}
	return nil
}
