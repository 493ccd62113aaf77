package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hybridengine/hybridengine/engine"
	"github.com/hybridengine/hybridengine/engine/history"
	"github.com/hybridengine/hybridengine/engine/queue"
	"github.com/hybridengine/hybridengine/engine/store"
	"github.com/hybridengine/hybridengine/workflow"
)

// stepRequest is the wire form of a step in a creation request.
type stepRequest struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Action       string         `json:"action"`
	Dependencies []string       `json:"dependencies"`
	Params       map[string]any `json:"params"`
	OnFailure    string         `json:"onFailure"`
}

// createRequest is the body of POST /api/workflows.
type createRequest struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
	Steps       []stepRequest  `json:"steps"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": a.queue.Size(),
		"actions":     a.registry.Actions(),
	})
}

func (a *API) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := a.store.List(r.Context())
	if err != nil {
		a.logger.Error("list workflows", "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not list workflows")
		return
	}
	if workflows == nil {
		workflows = []*workflow.Workflow{}
	}
	a.respondJSON(w, http.StatusOK, workflows)
}

func (a *API) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	wf, err := a.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.respondError(w, http.StatusNotFound, "workflow not found")
			return
		}
		a.logger.Error("load workflow", "workflow", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not load workflow")
		return
	}
	a.respondJSON(w, http.StatusOK, wf)
}

func (a *API) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	a.createWorkflow(w, r, req)
}

// createWorkflow validates, persists, and seeds the queue for a new
// workflow. Shared by direct creation and template expansion.
func (a *API) createWorkflow(w http.ResponseWriter, r *http.Request, req createRequest) {
	ctx := r.Context()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Name == "" {
		req.Name = req.ID
	}

	now := time.Now().UTC()
	wf := &workflow.Workflow{
		ID:          req.ID,
		Name:        req.Name,
		Status:      workflow.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	for _, s := range req.Steps {
		wf.Steps = append(wf.Steps, &workflow.Step{
			ID:           s.ID,
			Name:         s.Name,
			Action:       s.Action,
			Status:       workflow.StatusPending,
			Dependencies: s.Dependencies,
			Params:       s.Params,
			OnFailure:    s.OnFailure,
		})
	}

	if err := wf.Validate(); err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	mu := a.locks.For(wf.ID)
	mu.Lock()
	defer mu.Unlock()

	if a.store.Exists(ctx, wf.ID) {
		a.respondError(w, http.StatusConflict, fmt.Sprintf("workflow %s already exists", wf.ID))
		return
	}

	// Seed tickets for the dependency-free steps before persisting; on
	// queue saturation the document is never written, so the request is
	// safe to retry.
	for _, step := range wf.ReadySteps() {
		ticket := queue.Ticket{WorkflowID: wf.ID, NodeID: step.ID}
		if err := a.queue.Add(ctx, ticket); err != nil {
			a.dropWorkflowTickets(ctx, wf.ID)
			if errors.Is(err, queue.ErrQueueFull) {
				a.respondError(w, http.StatusServiceUnavailable, "job queue is full")
				return
			}
			a.logger.Error("enqueue initial step", "workflow", wf.ID, "step", step.ID, "error", err)
			a.respondError(w, http.StatusInternalServerError, "could not enqueue workflow")
			return
		}
		step.Status = workflow.StatusWaitingForDependency
	}

	if err := a.store.Write(ctx, wf.ID, wf); err != nil {
		a.dropWorkflowTickets(ctx, wf.ID)
		a.logger.Error("persist workflow", "workflow", wf.ID, "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not persist workflow")
		return
	}

	a.logger.Info("workflow created", "workflow", wf.ID, "steps", len(wf.Steps))
	a.respondJSON(w, http.StatusCreated, wf)
}

// dropWorkflowTickets removes every queued ticket for the workflow, used
// to roll back partially-seeded creations and to clear stopped workflows.
func (a *API) dropWorkflowTickets(ctx context.Context, workflowID string) {
	if _, err := a.queue.Filter(ctx, func(t queue.Ticket) bool {
		return t.WorkflowID != workflowID
	}); err != nil {
		a.logger.Error("drop workflow tickets", "workflow", workflowID, "error", err)
	}
}

func (a *API) handleStopWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "workflowID")

	mu := a.locks.For(id)
	mu.Lock()
	defer mu.Unlock()

	wf, err := a.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.respondError(w, http.StatusNotFound, "workflow not found")
			return
		}
		a.logger.Error("load workflow", "workflow", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not load workflow")
		return
	}

	now := time.Now().UTC()
	wf.Status = workflow.StatusStopped
	for _, step := range wf.Steps {
		switch step.Status {
		case workflow.StatusRunning, workflow.StatusPending, workflow.StatusWaitingForDependency:
			step.Status = workflow.StatusStopped
			step.AppendLog(fmt.Sprintf("Stopped by operator at %s", now.Format(time.RFC3339)))
		}
	}
	wf.Progress = wf.ComputeProgress()

	if err := a.store.Write(ctx, wf.ID, wf); err != nil {
		a.logger.Error("persist stopped workflow", "workflow", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not persist workflow")
		return
	}

	// The in-flight adapter call, if any, is not interrupted; the worker
	// discards its outcome when it sees the step settled. Queued tickets
	// are dropped here so the worker never even dequeues them.
	a.dropWorkflowTickets(ctx, wf.ID)

	a.logger.Info("workflow stopped", "workflow", wf.ID)
	a.respondJSON(w, http.StatusOK, wf)
}

func (a *API) handleResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "workflowID")

	mu := a.locks.For(id)
	mu.Lock()
	defer mu.Unlock()

	wf, err := a.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.respondError(w, http.StatusNotFound, "workflow not found")
			return
		}
		a.logger.Error("load workflow", "workflow", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not load workflow")
		return
	}

	// Completed steps are never reset; everything else reverts to PENDING
	// so the scheduler can take another run at it.
	now := time.Now().UTC()
	for _, step := range wf.Steps {
		switch step.Status {
		case workflow.StatusStopped, workflow.StatusFailed,
			workflow.StatusWaitingForDependency, workflow.StatusRunning:
			step.Status = workflow.StatusPending
			step.Error = ""
			step.EndTime = nil
			step.AppendLog(fmt.Sprintf("Reset to PENDING by resume at %s", now.Format(time.RFC3339)))
		}
	}
	wf.Status = workflow.StatusPending
	wf.Progress = wf.ComputeProgress()

	for _, step := range wf.ReadySteps() {
		ticket := queue.Ticket{WorkflowID: wf.ID, NodeID: step.ID}
		if a.queue.Contains(ticket) {
			continue
		}
		if err := a.queue.Add(ctx, ticket); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				a.respondError(w, http.StatusServiceUnavailable, "job queue is full")
				return
			}
			a.logger.Error("enqueue resumed step", "workflow", wf.ID, "step", step.ID, "error", err)
			a.respondError(w, http.StatusInternalServerError, "could not enqueue workflow")
			return
		}
		step.Status = workflow.StatusWaitingForDependency
	}

	if err := a.store.Write(ctx, wf.ID, wf); err != nil {
		a.logger.Error("persist resumed workflow", "workflow", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not persist workflow")
		return
	}

	a.logger.Info("workflow resumed", "workflow", wf.ID)
	a.respondJSON(w, http.StatusOK, wf)
}

// externalDataRequest is the body of POST /workflows/{id}/external-data.
type externalDataRequest struct {
	StepID string         `json:"step_id"`
	Name   string         `json:"name"`
	Data   map[string]any `json:"data"`
}

func (a *API) handleIngestExternalData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "workflowID")

	var req externalDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Data) == 0 {
		a.respondError(w, http.StatusBadRequest, "data payload is required")
		return
	}

	mu := a.locks.For(id)
	mu.Lock()
	defer mu.Unlock()

	wf, err := a.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.respondError(w, http.StatusNotFound, "workflow not found")
			return
		}
		a.logger.Error("load workflow", "workflow", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not load workflow")
		return
	}

	now := time.Now().UTC()
	step := wf.StepByID(req.StepID)
	switch {
	case step == nil:
		// No placeholder declared: the payload arrives as a brand-new
		// pre-completed step.
		if req.StepID == "" {
			req.StepID = "external-" + uuid.NewString()
		}
		if req.Name == "" {
			req.Name = req.StepID
		}
		step = &workflow.Step{
			ID:     req.StepID,
			Name:   req.Name,
			Action: workflow.ActionExternalData,
		}
		wf.Steps = append(wf.Steps, step)
	case step.Status.Terminal():
		a.respondError(w, http.StatusConflict,
			fmt.Sprintf("step %s already settled as %s", step.ID, step.Status))
		return
	}

	step.Status = workflow.StatusCompleted
	step.Outputs = req.Data
	step.StartTime = &now
	step.EndTime = &now
	step.Duration = workflow.FormatDuration(now, now)
	step.AppendLog(fmt.Sprintf("External data ingested at %s", now.Format(time.RFC3339)))

	// Ingestion can unblock downstream steps exactly like a completion.
	queued := 0
	for _, next := range wf.ReadySteps() {
		ticket := queue.Ticket{WorkflowID: wf.ID, NodeID: next.ID}
		if a.queue.Contains(ticket) {
			continue
		}
		if err := a.queue.Add(ctx, ticket); err != nil {
			a.logger.Warn("enqueue unblocked step", "workflow", wf.ID, "step", next.ID, "error", err)
			continue
		}
		next.Status = workflow.StatusWaitingForDependency
		queued++
	}

	// Ingestion may have settled the last unsettled step; without this the
	// workflow would sit RUNNING forever, since no ticket remains to make
	// the worker look at it again.
	if engine.Settle(wf) {
		a.logger.Info("workflow settled by ingestion", "workflow", wf.ID, "status", wf.Status)
	}

	if err := a.store.Write(ctx, wf.ID, wf); err != nil {
		a.logger.Error("persist ingested data", "workflow", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not persist workflow")
		return
	}

	a.logger.Info("external data ingested",
		"workflow", wf.ID, "step", step.ID, "queued_dependents", queued)
	a.respondJSON(w, http.StatusOK, map[string]any{
		"workflow_id":       wf.ID,
		"step_id":           step.ID,
		"status":            step.Status,
		"queued_dependents": queued,
	})
}

func (a *API) handleListExternalData(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	wf, err := a.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.respondError(w, http.StatusNotFound, "workflow not found")
			return
		}
		a.logger.Error("load workflow", "workflow", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not load workflow")
		return
	}

	entries := []map[string]any{}
	for _, step := range wf.Steps {
		if step.Action != workflow.ActionExternalData {
			continue
		}
		entry := map[string]any{
			"step_id": step.ID,
			"name":    step.Name,
			"status":  step.Status,
			"data":    step.Outputs,
		}
		if step.EndTime != nil {
			entry["received_at"] = step.EndTime
		}
		entries = append(entries, entry)
	}
	a.respondJSON(w, http.StatusOK, entries)
}

func (a *API) handleWorkflowHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")

	if !a.store.Exists(r.Context(), id) {
		a.respondError(w, http.StatusNotFound, "workflow not found")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	transitions, err := a.history.Recent(r.Context(), id, limit)
	if err != nil {
		a.logger.Error("load history", "workflow", id, "error", err)
		a.respondError(w, http.StatusInternalServerError, "could not load history")
		return
	}
	if transitions == nil {
		transitions = []history.Transition{}
	}
	a.respondJSON(w, http.StatusOK, transitions)
}
