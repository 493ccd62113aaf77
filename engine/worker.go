// Package engine implements the execution core: the single-task worker
// loop that drives steps through their lifecycle, the startup recovery
// manager, and workflow-level metric aggregation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hybridengine/hybridengine/engine/adapter"
	"github.com/hybridengine/hybridengine/engine/emit"
	"github.com/hybridengine/hybridengine/engine/history"
	"github.com/hybridengine/hybridengine/engine/queue"
	"github.com/hybridengine/hybridengine/engine/store"
	"github.com/hybridengine/hybridengine/workflow"
)

// WorkerOptions tunes the worker loop.
type WorkerOptions struct {
	// PollInterval is the sleep after finding the queue empty.
	PollInterval time.Duration

	// DeferDelay is the sleep after re-enqueueing a ticket whose
	// dependencies are not yet met.
	DeferDelay time.Duration

	// ErrorDelay is the sleep after an outer-loop failure such as an
	// unreadable queue.
	ErrorDelay time.Duration

	// MaxDeferrals dead-letters a ticket after this many dependency
	// deferrals: the step is marked failed instead of cycling forever
	// when an upstream can no longer complete. Zero means unlimited.
	MaxDeferrals int
}

func (o *WorkerOptions) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.DeferDelay <= 0 {
		o.DeferDelay = 2 * time.Second
	}
	if o.ErrorDelay <= 0 {
		o.ErrorDelay = 5 * time.Second
	}
}

// Worker consumes tickets and executes steps. Exactly one step is in
// flight per process at any time; all document mutations happen between
// adapter calls under the per-workflow lock, so from inside the core
// every transition is observable as atomic.
type Worker struct {
	store    store.Store
	queue    *queue.Queue
	registry *adapter.Registry
	emitter  emit.Emitter
	metrics  *Metrics
	history  history.Recorder
	locks    *Locks
	logger   *log.Logger
	opts     WorkerOptions
}

// NewWorker wires a worker. The emitter, metrics, history recorder and
// logger may be nil; nil observability collaborators are replaced with
// no-ops.
func NewWorker(st store.Store, q *queue.Queue, reg *adapter.Registry, locks *Locks, opts WorkerOptions, logger *log.Logger) *Worker {
	opts.applyDefaults()
	if locks == nil {
		locks = NewLocks()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		store:    st,
		queue:    q,
		registry: reg,
		emitter:  emit.NewNullEmitter(),
		history:  history.NewNullRecorder(),
		locks:    locks,
		logger:   logger,
		opts:     opts,
	}
}

// WithEmitter sets the event emitter. Returns the worker for chaining.
func (w *Worker) WithEmitter(e emit.Emitter) *Worker {
	if e != nil {
		w.emitter = e
	}
	return w
}

// WithMetrics sets the Prometheus collector set.
func (w *Worker) WithMetrics(m *Metrics) *Worker {
	w.metrics = m
	return w
}

// WithHistory sets the transition audit recorder.
func (w *Worker) WithHistory(r history.Recorder) *Worker {
	if r != nil {
		w.history = r
	}
	return w
}

// Run consumes tickets until the context is canceled. Step-level failures
// never terminate the loop; only context cancellation does.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "actions", w.registry.Actions())
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return ctx.Err()
		default:
		}

		delay, err := w.processNext(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
			delay = w.opts.ErrorDelay
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				w.logger.Info("worker stopping")
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

// processNext runs one worker iteration: dequeue a ticket and drive its
// step through execution. It returns the delay to sleep before the next
// iteration. Errors from the queue itself bubble up; everything inside a
// ticket is handled in place.
func (w *Worker) processNext(ctx context.Context) (time.Duration, error) {
	ticket, ok, err := w.queue.Next(ctx)
	if err != nil {
		return 0, fmt.Errorf("dequeue ticket: %w", err)
	}
	w.metrics.SetQueueDepth(w.queue.Size())
	if !ok {
		return w.opts.PollInterval, nil
	}
	return w.handleTicket(ctx, ticket)
}

// handleTicket executes one dequeued ticket end to end. Panics inside the
// iteration mark the step failed and apply its failure policy rather than
// killing the loop.
func (w *Worker) handleTicket(ctx context.Context, t queue.Ticket) (delay time.Duration, err error) {
	// Lock ownership is tracked so the panic path knows whether this
	// goroutine still holds the non-reentrant workflow mutex.
	mu := w.locks.For(t.WorkflowID)
	locked := false
	lock := func() { mu.Lock(); locked = true }
	unlock := func() { locked = false; mu.Unlock() }

	defer func() {
		if r := recover(); r != nil {
			if locked {
				unlock()
			}
			w.logger.Error("panic while executing step",
				"workflow", t.WorkflowID, "step", t.NodeID, "panic", r)
			w.failStepAfterPanic(ctx, t, fmt.Sprintf("internal error: %v", r))
			delay, err = 0, nil
		}
	}()

	logger := w.logger.With("workflow", t.WorkflowID, "step", t.NodeID)

	lock()

	wf, err := w.store.Get(ctx, t.WorkflowID)
	if err != nil {
		unlock()
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("discarding ticket for missing workflow")
			w.metrics.JobOutcome("discarded")
			return 0, nil
		}
		return 0, fmt.Errorf("load workflow %s: %w", t.WorkflowID, err)
	}

	step := wf.StepByID(t.NodeID)
	if step == nil {
		unlock()
		logger.Warn("discarding ticket for unknown step")
		w.metrics.JobOutcome("discarded")
		return 0, nil
	}

	// Idempotency gate. Redelivered tickets for settled steps are noise.
	if step.Status.Terminal() {
		unlock()
		logger.Debug("discarding ticket for terminal step", "status", step.Status)
		w.metrics.JobOutcome("discarded")
		return 0, nil
	}

	// Dependency gate.
	if !workflow.DependenciesMet(step, wf.CompletedSet()) {
		if w.opts.MaxDeferrals > 0 && t.Attempts >= w.opts.MaxDeferrals {
			logger.Error("dead-lettering ticket, dependencies never satisfied",
				"attempts", t.Attempts)
			w.failStepLocked(ctx, wf, step,
				fmt.Sprintf("dependencies not satisfied after %d deferrals", t.Attempts))
			unlock()
			w.metrics.JobOutcome("dead_letter")
			return 0, nil
		}

		t.Attempts++
		if addErr := w.queue.Add(ctx, t); addErr != nil {
			// The ticket is lost; revert the step to PENDING so the next
			// completion's ready-set pass or startup recovery re-seeds it
			// instead of it waiting forever without a ticket.
			step.Status = workflow.StatusPending
			if writeErr := w.store.Write(ctx, wf.ID, wf); writeErr != nil {
				logger.Error("persist deferred step reset", "error", writeErr)
			}
			unlock()
			return 0, fmt.Errorf("re-enqueue deferred ticket %s: %w", t.Key(), addErr)
		}
		unlock()
		w.metrics.SetQueueDepth(w.queue.Size())
		w.metrics.Requeue()
		w.metrics.JobOutcome("deferred")
		w.emitter.Emit(emit.Event{
			WorkflowID: t.WorkflowID,
			StepID:     t.NodeID,
			Msg:        "ticket_requeued",
			Meta:       map[string]any{"attempts": t.Attempts},
		})
		logger.Debug("dependencies not met, ticket re-enqueued", "attempts", t.Attempts)
		return w.opts.DeferDelay, nil
	}

	// Transition to RUNNING and persist before touching the adapter, so a
	// crash mid-call is visible to recovery.
	prevStatus := step.Status
	now := time.Now().UTC()
	step.Status = workflow.StatusRunning
	step.StartTime = &now
	step.AppendLog(fmt.Sprintf("Started execution of step '%s' at %s", step.Name, now.Format(time.RFC3339)))
	if wf.Status != workflow.StatusRunning && wf.Status != workflow.StatusFailed {
		wf.Status = workflow.StatusRunning
	}
	if err := w.store.Write(ctx, wf.ID, wf); err != nil {
		unlock()
		return 0, fmt.Errorf("persist running state for %s: %w", t.Key(), err)
	}
	unlock()

	w.recordTransition(ctx, wf.ID, step.ID, prevStatus, workflow.StatusRunning, step.Action)
	w.emitter.Emit(emit.Event{
		WorkflowID: wf.ID,
		StepID:     step.ID,
		Msg:        "step_running",
		Meta:       map[string]any{"action": step.Action},
	})
	logger.Info("executing step", "action", step.Action)

	// Invoke the adapter without holding the lock; this is the loop's only
	// suspension point.
	started := time.Now()
	output, metadata, execErr := w.invoke(ctx, step.Action, step.Params)
	elapsed := time.Since(started)

	lock()
	defer unlock()

	// Reload: an operator stop may have landed while the adapter ran. If
	// the step settled underneath us, the outcome is discarded.
	wf, err = w.store.Get(ctx, t.WorkflowID)
	if err != nil {
		return 0, fmt.Errorf("reload workflow %s: %w", t.WorkflowID, err)
	}
	step = wf.StepByID(t.NodeID)
	if step == nil || step.Status.Terminal() {
		logger.Info("discarding adapter outcome, step settled while in flight")
		w.metrics.JobOutcome("discarded")
		return 0, nil
	}

	end := time.Now().UTC()
	step.EndTime = &end
	if step.StartTime != nil {
		step.Duration = workflow.FormatDuration(*step.StartTime, end)
	}
	if len(metadata) > 0 {
		step.Metadata = metadata
		step.ExecutionMetrics = executionMetrics(metadata)
	}

	outcome := "completed"
	if execErr != nil {
		outcome = "failed"
		w.applyFailure(ctx, wf, step, execErr.Error())
		logger.Error("step failed", "action", step.Action, "error", execErr)
	} else {
		step.Status = workflow.StatusCompleted
		step.Outputs = output
		step.Error = ""
		step.AppendLog(fmt.Sprintf("Completed step '%s' in %s", step.Name, step.Duration))
		w.recordTransition(ctx, wf.ID, step.ID, workflow.StatusRunning, workflow.StatusCompleted, step.Action)
		w.enqueueReady(ctx, wf)
		logger.Info("step completed", "action", step.Action, "duration", step.Duration)
	}

	w.metrics.ObserveStepLatency(step.Action, outcome, float64(elapsed.Milliseconds()))
	w.metrics.JobOutcome(outcome)
	w.emitter.Emit(emit.Event{
		WorkflowID: wf.ID,
		StepID:     step.ID,
		Msg:        "step_" + outcome,
		Meta:       stepEventMeta(step, execErr, elapsed),
	})

	w.finalize(wf)

	if err := w.store.Write(ctx, wf.ID, wf); err != nil {
		return 0, fmt.Errorf("persist outcome for %s: %w", t.Key(), err)
	}
	return 0, nil
}

// invoke dispatches the action through the registry, falling back to an
// explicit simulation when no adapter is bound.
func (w *Worker) invoke(ctx context.Context, action string, params map[string]any) (map[string]any, map[string]any, error) {
	if a, ok := w.registry.Get(action); ok {
		return a.Execute(ctx, params)
	}
	w.logger.Debug("no adapter registered, simulating", "action", action)
	return adapter.Simulate(ctx, action, params)
}

// applyFailure marks the step failed and applies its failure policy:
// stop_workflow fails the workflow and cascades STOPPED to every
// not-yet-settled transitive successor; continue leaves siblings alone.
func (w *Worker) applyFailure(ctx context.Context, wf *workflow.Workflow, step *workflow.Step, errMsg string) {
	from := step.Status
	step.Status = workflow.StatusFailed
	step.Error = errMsg
	step.AppendLog(fmt.Sprintf("Step '%s' failed: %s", step.Name, errMsg))
	w.recordTransition(ctx, wf.ID, step.ID, from, workflow.StatusFailed, errMsg)

	if step.FailurePolicy() != workflow.OnFailureStop {
		return
	}

	wf.Status = workflow.StatusFailed
	successors := wf.TransitiveSuccessors(step.ID)
	for _, s := range wf.Steps {
		if !successors[s.ID] {
			continue
		}
		switch s.Status {
		case workflow.StatusPending, workflow.StatusWaitingForDependency:
			from := s.Status
			s.Status = workflow.StatusStopped
			s.AppendLog(fmt.Sprintf("Stopped: upstream step '%s' failed", step.Name))
			w.recordTransition(ctx, wf.ID, s.ID, from, workflow.StatusStopped, "upstream failure")
		}
	}
}

// enqueueReady pushes tickets for every step unblocked by the latest
// completion and flips them to WAITING_FOR_DEPENDENCY. A step is only
// flipped when its ticket actually made it into the queue.
func (w *Worker) enqueueReady(ctx context.Context, wf *workflow.Workflow) {
	for _, next := range wf.ReadySteps() {
		ticket := queue.Ticket{WorkflowID: wf.ID, NodeID: next.ID}
		if w.queue.Contains(ticket) {
			continue
		}
		if err := w.queue.Add(ctx, ticket); err != nil {
			w.logger.Warn("could not enqueue unblocked step",
				"workflow", wf.ID, "step", next.ID, "error", err)
			continue
		}
		next.Status = workflow.StatusWaitingForDependency
		w.recordTransition(ctx, wf.ID, next.ID, workflow.StatusPending, workflow.StatusWaitingForDependency, "unblocked")
	}
	w.metrics.SetQueueDepth(w.queue.Size())
}

// finalize applies Settle and emits the workflow-level terminal event
// when the workflow just settled.
func (w *Worker) finalize(wf *workflow.Workflow) {
	if !Settle(wf) {
		return
	}
	if wf.Status == workflow.StatusFailed {
		w.logger.Info("workflow failed", "workflow", wf.ID, "progress", wf.Progress)
		w.emitter.Emit(emit.Event{WorkflowID: wf.ID, Msg: "workflow_failed"})
		return
	}
	w.logger.Info("workflow completed", "workflow", wf.ID)
	w.emitter.Emit(emit.Event{WorkflowID: wf.ID, Msg: "workflow_completed"})
}

// failStepLocked settles a step as failed outside the normal adapter
// path (dead-lettered tickets). The caller holds the workflow lock.
func (w *Worker) failStepLocked(ctx context.Context, wf *workflow.Workflow, step *workflow.Step, errMsg string) {
	w.applyFailure(ctx, wf, step, errMsg)
	w.finalize(wf)
	if err := w.store.Write(ctx, wf.ID, wf); err != nil {
		w.logger.Error("persist failed step", "workflow", wf.ID, "step", step.ID, "error", err)
	}
	w.emitter.Emit(emit.Event{
		WorkflowID: wf.ID,
		StepID:     step.ID,
		Msg:        "step_failed",
		Meta:       map[string]any{"error": errMsg},
	})
}

// failStepAfterPanic reloads the document and settles the step as failed.
// Runs from the panic handler, so it re-acquires the lock itself and
// swallows every error.
func (w *Worker) failStepAfterPanic(ctx context.Context, t queue.Ticket, errMsg string) {
	mu := w.locks.For(t.WorkflowID)
	mu.Lock()
	defer mu.Unlock()

	wf, err := w.store.Get(ctx, t.WorkflowID)
	if err != nil {
		return
	}
	step := wf.StepByID(t.NodeID)
	if step == nil || step.Status.Terminal() {
		return
	}
	if step.StartTime != nil && step.EndTime == nil {
		end := time.Now().UTC()
		step.EndTime = &end
		step.Duration = workflow.FormatDuration(*step.StartTime, end)
	}
	w.failStepLocked(ctx, wf, step, errMsg)
	w.metrics.JobOutcome("failed")
}

// recordTransition writes one audit row, logging rather than propagating
// recorder failures.
func (w *Worker) recordTransition(ctx context.Context, wfID, stepID string, from, to workflow.Status, detail string) {
	err := w.history.Record(ctx, history.Transition{
		WorkflowID: wfID,
		StepID:     stepID,
		From:       string(from),
		To:         string(to),
		At:         time.Now().UTC(),
		Detail:     detail,
	})
	if err != nil {
		w.logger.Warn("history record failed", "workflow", wfID, "step", stepID, "error", err)
	}
}

// executionMetrics mirrors the well-known adapter metadata keys into the
// step's execution metrics for workflow-level aggregation.
func executionMetrics(metadata map[string]any) map[string]any {
	out := make(map[string]any, 4)
	for _, key := range []string{"tokens", "cost", "model", "duration_ms"} {
		if v, ok := metadata[key]; ok {
			out[key] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// stepEventMeta builds the emit metadata for a settled step.
func stepEventMeta(step *workflow.Step, execErr error, elapsed time.Duration) map[string]any {
	meta := map[string]any{
		"action":      step.Action,
		"duration_ms": elapsed.Milliseconds(),
	}
	if execErr != nil {
		meta["error"] = execErr.Error()
	}
	if tokens, ok := step.ExecutionMetrics["tokens"]; ok {
		meta["tokens"] = tokens
	}
	if cost, ok := step.ExecutionMetrics["cost"]; ok {
		meta["cost"] = cost
	}
	return meta
}
