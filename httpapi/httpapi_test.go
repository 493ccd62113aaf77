package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/hybridengine/hybridengine/engine"
	"github.com/hybridengine/hybridengine/engine/adapter"
	"github.com/hybridengine/hybridengine/engine/queue"
	"github.com/hybridengine/hybridengine/engine/store"
	"github.com/hybridengine/hybridengine/workflow"
)

type apiEnv struct {
	api   *API
	store *store.MemStore
	queue *queue.Queue
}

func newAPIEnv(t *testing.T, queueOpts queue.Options) *apiEnv {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue-state.json"), queueOpts)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	st := store.NewMemStore()
	api := New(st, q, adapter.NewRegistry(), engine.NewLocks(), nil, log.New(io.Discard))
	return &apiEnv{api: api, store: st, queue: q}
}

func (env *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	env.api.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func linearCreateRequest(id string) createRequest {
	return createRequest{
		ID:   id,
		Name: "linear",
		Steps: []stepRequest{
			{ID: "a", Name: "A", Action: "sim"},
			{ID: "b", Name: "B", Action: "sim", Dependencies: []string{"a"}},
		},
	}
}

// TestHealth verifies the liveness endpoint.
func TestHealth(t *testing.T) {
	env := newAPIEnv(t, queue.Options{})
	rec := env.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("unexpected health body: %v", body)
	}
}

// TestCreateWorkflow covers the creation status codes and queue seeding.
func TestCreateWorkflow(t *testing.T) {
	t.Run("valid request returns 201 and seeds the queue", func(t *testing.T) {
		env := newAPIEnv(t, queue.Options{})
		rec := env.do(t, http.MethodPost, "/api/workflows", linearCreateRequest("wf-1"))
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}

		var wf workflow.Workflow
		decodeBody(t, rec, &wf)
		if wf.ID != "wf-1" || len(wf.Steps) != 2 {
			t.Errorf("unexpected document: %+v", wf)
		}
		if wf.StepByID("a").Status != workflow.StatusWaitingForDependency {
			t.Errorf("expected seeded step WAITING_FOR_DEPENDENCY, got %s", wf.StepByID("a").Status)
		}
		if wf.StepByID("b").Status != workflow.StatusPending {
			t.Errorf("expected blocked step PENDING, got %s", wf.StepByID("b").Status)
		}
		if !env.queue.Contains(queue.Ticket{WorkflowID: "wf-1", NodeID: "a"}) {
			t.Error("expected a ticket for the dependency-free step")
		}
		if env.queue.Contains(queue.Ticket{WorkflowID: "wf-1", NodeID: "b"}) {
			t.Error("did not expect a ticket for the blocked step")
		}
	})

	t.Run("duplicate id returns 409", func(t *testing.T) {
		env := newAPIEnv(t, queue.Options{})
		if rec := env.do(t, http.MethodPost, "/api/workflows", linearCreateRequest("dup")); rec.Code != http.StatusCreated {
			t.Fatalf("setup create failed: %d", rec.Code)
		}
		if rec := env.do(t, http.MethodPost, "/api/workflows", linearCreateRequest("dup")); rec.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("validation failures return 400", func(t *testing.T) {
		env := newAPIEnv(t, queue.Options{})

		cyclic := linearCreateRequest("bad")
		cyclic.Steps[0].Dependencies = []string{"b"}
		if rec := env.do(t, http.MethodPost, "/api/workflows", cyclic); rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for cycle, got %d", rec.Code)
		}

		unknownDep := linearCreateRequest("bad2")
		unknownDep.Steps[1].Dependencies = []string{"ghost"}
		if rec := env.do(t, http.MethodPost, "/api/workflows", unknownDep); rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for unknown dependency, got %d", rec.Code)
		}
	})

	t.Run("saturated queue returns 503 and persists nothing", func(t *testing.T) {
		env := newAPIEnv(t, queue.Options{MaxDepth: 1})
		full := createRequest{
			ID:   "wf-full",
			Name: "full",
			Steps: []stepRequest{
				{ID: "a", Name: "A", Action: "sim"},
				{ID: "b", Name: "B", Action: "sim"},
			},
		}
		rec := env.do(t, http.MethodPost, "/api/workflows", full)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rec.Code)
		}
		if env.store.Exists(context.Background(), "wf-full") {
			t.Error("expected no document for rejected workflow")
		}
		if env.queue.Size() != 0 {
			t.Errorf("expected rolled-back queue, got %d tickets", env.queue.Size())
		}
	})

	t.Run("missing id gets generated", func(t *testing.T) {
		env := newAPIEnv(t, queue.Options{})
		req := linearCreateRequest("")
		rec := env.do(t, http.MethodPost, "/api/workflows", req)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rec.Code)
		}
		var wf workflow.Workflow
		decodeBody(t, rec, &wf)
		if wf.ID == "" {
			t.Error("expected generated id")
		}
	})
}

// TestGetWorkflow verifies lookup and the 404 contract.
func TestGetWorkflow(t *testing.T) {
	env := newAPIEnv(t, queue.Options{})
	env.do(t, http.MethodPost, "/api/workflows", linearCreateRequest("wf-get"))

	if rec := env.do(t, http.MethodGet, "/api/workflows/wf-get", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/workflows/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	listRec := env.do(t, http.MethodGet, "/api/workflows", nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRec.Code)
	}
	var all []json.RawMessage
	decodeBody(t, listRec, &all)
	if len(all) != 1 {
		t.Errorf("expected 1 workflow in listing, got %d", len(all))
	}
}

// TestStopResume verifies the operator control flow.
func TestStopResume(t *testing.T) {
	env := newAPIEnv(t, queue.Options{})
	env.do(t, http.MethodPost, "/api/workflows", linearCreateRequest("wf-ctl"))

	t.Run("stop settles every unfinished step and clears tickets", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/workflows/wf-ctl/stop", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var wf workflow.Workflow
		decodeBody(t, rec, &wf)
		if wf.Status != workflow.StatusStopped {
			t.Errorf("expected workflow STOPPED, got %s", wf.Status)
		}
		for _, s := range wf.Steps {
			if s.Status != workflow.StatusStopped {
				t.Errorf("expected step %s STOPPED, got %s", s.ID, s.Status)
			}
		}
		if env.queue.Size() != 0 {
			t.Errorf("expected tickets dropped, got %d", env.queue.Size())
		}
	})

	t.Run("resume resets steps and re-seeds the queue", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/workflows/wf-ctl/resume", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var wf workflow.Workflow
		decodeBody(t, rec, &wf)
		if wf.Status != workflow.StatusPending {
			t.Errorf("expected workflow PENDING, got %s", wf.Status)
		}
		if wf.StepByID("a").Status != workflow.StatusWaitingForDependency {
			t.Errorf("expected step a re-queued, got %s", wf.StepByID("a").Status)
		}
		if wf.StepByID("b").Status != workflow.StatusPending {
			t.Errorf("expected step b PENDING, got %s", wf.StepByID("b").Status)
		}
		if !env.queue.Contains(queue.Ticket{WorkflowID: "wf-ctl", NodeID: "a"}) {
			t.Error("expected ticket for resumed step")
		}
	})

	t.Run("resume never resets completed steps", func(t *testing.T) {
		ctx := context.Background()
		wf, err := env.store.Get(ctx, "wf-ctl")
		if err != nil {
			t.Fatal(err)
		}
		wf.StepByID("a").Status = workflow.StatusCompleted
		wf.StepByID("b").Status = workflow.StatusFailed
		if err := env.store.Write(ctx, wf.ID, wf); err != nil {
			t.Fatal(err)
		}

		rec := env.do(t, http.MethodPost, "/api/workflows/wf-ctl/resume", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var got workflow.Workflow
		decodeBody(t, rec, &got)
		if got.StepByID("a").Status != workflow.StatusCompleted {
			t.Errorf("expected completed step untouched, got %s", got.StepByID("a").Status)
		}
		if got.StepByID("b").Status != workflow.StatusWaitingForDependency {
			t.Errorf("expected failed step re-queued, got %s", got.StepByID("b").Status)
		}
	})

	t.Run("unknown workflow returns 404", func(t *testing.T) {
		if rec := env.do(t, http.MethodPost, "/api/workflows/ghost/stop", nil); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 on stop, got %d", rec.Code)
		}
		if rec := env.do(t, http.MethodPost, "/api/workflows/ghost/resume", nil); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 on resume, got %d", rec.Code)
		}
	})
}

// TestExternalData verifies payload ingestion and successor scheduling.
func TestExternalData(t *testing.T) {
	env := newAPIEnv(t, queue.Options{})
	created := env.do(t, http.MethodPost, "/api/workflows", createRequest{
		ID:   "wf-ext",
		Name: "ext",
		Steps: []stepRequest{
			{ID: "feed", Name: "Feed", Action: "external_data"},
			{ID: "use", Name: "Use", Action: "sim", Dependencies: []string{"feed"}},
		},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", created.Code, created.Body.String())
	}
	if env.queue.Size() != 0 {
		t.Fatalf("expected no tickets before ingestion, got %d", env.queue.Size())
	}

	t.Run("ingestion completes the placeholder and queues dependents", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/workflows/wf-ext/external-data", externalDataRequest{
			StepID: "feed",
			Data:   map[string]any{"rows": float64(42)},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var body map[string]any
		decodeBody(t, rec, &body)
		if body["step_id"] != "feed" || body["workflow_id"] != "wf-ext" {
			t.Errorf("unexpected response: %v", body)
		}
		if body["queued_dependents"] != float64(1) {
			t.Errorf("expected 1 queued dependent, got %v", body["queued_dependents"])
		}
		if !env.queue.Contains(queue.Ticket{WorkflowID: "wf-ext", NodeID: "use"}) {
			t.Error("expected ticket for unblocked dependent")
		}

		wf, _ := env.store.Get(context.Background(), "wf-ext")
		feed := wf.StepByID("feed")
		if feed.Status != workflow.StatusCompleted {
			t.Errorf("expected placeholder COMPLETED, got %s", feed.Status)
		}
		if feed.Outputs["rows"] != float64(42) {
			t.Errorf("expected payload in outputs, got %v", feed.Outputs)
		}
	})

	t.Run("re-ingesting a settled step returns 409", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/workflows/wf-ext/external-data", externalDataRequest{
			StepID: "feed",
			Data:   map[string]any{"rows": float64(1)},
		})
		if rec.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("undeclared step id appends a new pre-completed step", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/workflows/wf-ext/external-data", externalDataRequest{
			Data: map[string]any{"note": "adhoc"},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body map[string]any
		decodeBody(t, rec, &body)
		if body["step_id"] == "" {
			t.Error("expected generated step id")
		}
	})

	t.Run("listing returns ingested payloads", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/workflows/wf-ext/external-data", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var entries []map[string]any
		decodeBody(t, rec, &entries)
		if len(entries) != 2 {
			t.Fatalf("expected 2 external-data steps, got %d", len(entries))
		}
	})

	t.Run("empty payload returns 400", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/workflows/wf-ext/external-data", externalDataRequest{StepID: "x"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

// TestExternalDataSettlesWorkflow verifies ingestion applies terminal
// settlement when it completes the last unsettled step. No ticket remains
// after ingestion, so the handler itself must settle the document.
func TestExternalDataSettlesWorkflow(t *testing.T) {
	ctx := context.Background()

	t.Run("last completion settles the workflow", func(t *testing.T) {
		env := newAPIEnv(t, queue.Options{})
		wf := &workflow.Workflow{
			ID: "wf-settle", Name: "settle",
			Status: workflow.StatusRunning,
			Steps: []*workflow.Step{
				{ID: "a", Name: "A", Action: "sim", Status: workflow.StatusCompleted,
					ExecutionMetrics: map[string]any{"tokens": 100, "cost": 0.01, "model": "gpt-4o"}},
				{ID: "feed", Name: "Feed", Action: workflow.ActionExternalData, Status: workflow.StatusPending},
			},
		}
		if err := env.store.Write(ctx, wf.ID, wf); err != nil {
			t.Fatal(err)
		}

		rec := env.do(t, http.MethodPost, "/api/workflows/wf-settle/external-data", externalDataRequest{
			StepID: "feed",
			Data:   map[string]any{"rows": float64(3)},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		got, err := env.store.Get(ctx, "wf-settle")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != workflow.StatusCompleted {
			t.Errorf("expected workflow COMPLETED, got %s", got.Status)
		}
		if got.Progress != 100 {
			t.Errorf("expected progress 100, got %d", got.Progress)
		}
		if got.Metrics == nil || got.Metrics.TotalTokens != 100 {
			t.Errorf("expected aggregated metrics, got %+v", got.Metrics)
		}
		if got.CostBreakdown["gpt-4o"] == 0 {
			t.Errorf("expected cost breakdown entry, got %v", got.CostBreakdown)
		}
	})

	t.Run("failed sibling settles the workflow as FAILED", func(t *testing.T) {
		env := newAPIEnv(t, queue.Options{})
		wf := &workflow.Workflow{
			ID: "wf-settle-failed", Name: "settle-failed",
			Status: workflow.StatusRunning,
			Steps: []*workflow.Step{
				{ID: "a", Name: "A", Action: "sim", Status: workflow.StatusFailed,
					Error: "model exploded", OnFailure: workflow.OnFailureContinue},
				{ID: "feed", Name: "Feed", Action: workflow.ActionExternalData, Status: workflow.StatusPending},
			},
		}
		if err := env.store.Write(ctx, wf.ID, wf); err != nil {
			t.Fatal(err)
		}

		rec := env.do(t, http.MethodPost, "/api/workflows/wf-settle-failed/external-data", externalDataRequest{
			StepID: "feed",
			Data:   map[string]any{"rows": float64(1)},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		got, err := env.store.Get(ctx, "wf-settle-failed")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != workflow.StatusFailed {
			t.Errorf("expected workflow FAILED, got %s", got.Status)
		}
	})

	t.Run("unfinished steps keep the workflow running", func(t *testing.T) {
		env := newAPIEnv(t, queue.Options{})
		wf := &workflow.Workflow{
			ID: "wf-settle-open", Name: "settle-open",
			Status: workflow.StatusRunning,
			Steps: []*workflow.Step{
				{ID: "feed", Name: "Feed", Action: workflow.ActionExternalData, Status: workflow.StatusPending},
				{ID: "use", Name: "Use", Action: "sim", Status: workflow.StatusPending, Dependencies: []string{"feed"}},
			},
		}
		if err := env.store.Write(ctx, wf.ID, wf); err != nil {
			t.Fatal(err)
		}

		rec := env.do(t, http.MethodPost, "/api/workflows/wf-settle-open/external-data", externalDataRequest{
			StepID: "feed",
			Data:   map[string]any{"rows": float64(2)},
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		got, err := env.store.Get(ctx, "wf-settle-open")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != workflow.StatusRunning {
			t.Errorf("expected workflow to stay RUNNING, got %s", got.Status)
		}
		if got.StepByID("use").Status != workflow.StatusWaitingForDependency {
			t.Errorf("expected dependent queued, got %s", got.StepByID("use").Status)
		}
	})
}

// TestTemplates verifies the template catalog and expansion.
func TestTemplates(t *testing.T) {
	env := newAPIEnv(t, queue.Options{})

	t.Run("catalog lists built-ins", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/templates", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var entries []map[string]string
		decodeBody(t, rec, &entries)
		if len(entries) != len(templates) {
			t.Errorf("expected %d templates, got %d", len(templates), len(entries))
		}
	})

	t.Run("expansion creates a runnable workflow", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/workflows/from-template", templateRequest{
			Template: "content-pipeline",
			ID:       "wf-tpl",
			Params:   map[string]any{"prompt": "write about queues"},
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		var wf workflow.Workflow
		decodeBody(t, rec, &wf)
		if len(wf.Steps) != 3 {
			t.Errorf("expected 3 steps, got %d", len(wf.Steps))
		}
		if wf.StepByID("research").Params["prompt"] != "write about queues" {
			t.Errorf("expected params forwarded, got %v", wf.StepByID("research").Params)
		}
		if !env.queue.Contains(queue.Ticket{WorkflowID: "wf-tpl", NodeID: "research"}) {
			t.Error("expected root step queued")
		}
	})

	t.Run("unknown template returns 400", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/workflows/from-template", templateRequest{Template: "nope"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

// TestHistoryEndpoint verifies the audit log route with the null backend.
func TestHistoryEndpoint(t *testing.T) {
	env := newAPIEnv(t, queue.Options{})
	env.do(t, http.MethodPost, "/api/workflows", linearCreateRequest("wf-hist"))

	rec := env.do(t, http.MethodGet, "/api/workflows/wf-hist/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []json.RawMessage
	decodeBody(t, rec, &entries)
	if len(entries) != 0 {
		t.Errorf("expected empty history from null backend, got %d", len(entries))
	}

	if rec := env.do(t, http.MethodGet, "/api/workflows/ghost/history", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/workflows/wf-hist/history?limit=bogus", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
}
