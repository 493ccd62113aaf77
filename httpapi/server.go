// Package httpapi exposes the workflow engine over HTTP: workflow
// creation, inspection, stop/resume control, and external data ingestion.
// Handlers mutate state only through the store's atomic writes and the
// queue's durable appends, under the same per-workflow locks the worker
// uses.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hybridengine/hybridengine/engine"
	"github.com/hybridengine/hybridengine/engine/adapter"
	"github.com/hybridengine/hybridengine/engine/history"
	"github.com/hybridengine/hybridengine/engine/queue"
	"github.com/hybridengine/hybridengine/engine/store"
)

// API carries the collaborators the handlers need.
type API struct {
	store    store.Store
	queue    *queue.Queue
	registry *adapter.Registry
	locks    *engine.Locks
	history  history.Recorder
	logger   *log.Logger
}

// New wires an API. History and logger may be nil.
func New(st store.Store, q *queue.Queue, reg *adapter.Registry, locks *engine.Locks, rec history.Recorder, logger *log.Logger) *API {
	if locks == nil {
		locks = engine.NewLocks()
	}
	if rec == nil {
		rec = history.NewNullRecorder()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &API{
		store:    st,
		queue:    q,
		registry: reg,
		locks:    locks,
		history:  rec,
		logger:   logger,
	}
}

// Router builds the full route tree, including the Prometheus scrape
// endpoint at /metrics.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Get("/templates", a.handleListTemplates)
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", a.handleListWorkflows)
			r.Post("/", a.handleCreateWorkflow)
			r.Post("/from-template", a.handleCreateFromTemplate)
			r.Route("/{workflowID}", func(r chi.Router) {
				r.Get("/", a.handleGetWorkflow)
				r.Post("/stop", a.handleStopWorkflow)
				r.Post("/resume", a.handleResumeWorkflow)
				r.Post("/external-data", a.handleIngestExternalData)
				r.Get("/external-data", a.handleListExternalData)
				r.Get("/history", a.handleWorkflowHistory)
			})
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// respondJSON writes a JSON body with the given status.
func (a *API) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("encode response", "error", err)
	}
}

// respondError writes a JSON error envelope.
func (a *API) respondError(w http.ResponseWriter, status int, msg string) {
	a.respondJSON(w, status, map[string]string{"error": msg})
}
