// Package api exposes the admin and health surface of the orchestrator.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/overseer/internal/agent"
	"github.com/nidhogg/overseer/internal/breaker"
	"github.com/nidhogg/overseer/internal/coordinator"
	"github.com/nidhogg/overseer/internal/gateway"
	"github.com/nidhogg/overseer/internal/runstore"
	"github.com/nidhogg/overseer/internal/workflow"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	breakers *breaker.Registry
	engine   *workflow.Engine
	coord    *coordinator.Coordinator
	agents   *agent.Registry
	runs     *runstore.Store // nil when Postgres is not configured
	gw       *gateway.Gateway
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	breakers *breaker.Registry,
	engine *workflow.Engine,
	coord *coordinator.Coordinator,
	agents *agent.Registry,
	runs *runstore.Store,
	gw *gateway.Gateway,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		breakers: breakers,
		engine:   engine,
		coord:    coord,
		agents:   agents,
		runs:     runs,
		gw:       gw,
		logger:   logger,
	}
}

// Router builds the chi router for the admin surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Get("/breakers", h.listBreakers)
		r.Get("/breakers/open", h.openBreakers)
		r.Get("/breakers/{name}", h.getBreaker)
		r.Post("/breakers/{name}/reset", h.resetBreaker)
		r.Delete("/breakers/{name}", h.removeBreaker)
		r.Post("/breakers/reset", h.resetAllBreakers)

		r.Get("/agents", h.listAgents)

		r.Get("/workflows", h.listWorkflows)
		r.Post("/workflows/{id}", h.registerWorkflow)
		r.Post("/workflows/{id}/execute", h.executeWorkflow)

		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)

		r.Get("/alerts", h.listAlerts)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	successes, failures := h.coord.GuardStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"open_breakers":   h.breakers.OpenBreakers(),
		"guard_successes": successes,
		"guard_failures":  failures,
	})
}

type breakerView struct {
	Name    string          `json:"name"`
	State   breaker.State   `json:"state"`
	Metrics breaker.Metrics `json:"metrics"`
}

func (h *Handler) listBreakers(w http.ResponseWriter, r *http.Request) {
	states := h.breakers.AllStates()
	metrics := h.breakers.AllMetrics()
	views := make([]breakerView, 0, len(states))
	for _, name := range h.breakers.Names() {
		views = append(views, breakerView{
			Name:    name,
			State:   states[name],
			Metrics: metrics[name],
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) openBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"open": h.breakers.OpenBreakers()})
}

func (h *Handler) getBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := h.breakers.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "breaker not found"})
		return
	}
	writeJSON(w, http.StatusOK, breakerView{
		Name:    b.Name(),
		State:   b.State(),
		Metrics: b.Metrics(),
	})
}

func (h *Handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := h.breakers.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "breaker not found"})
		return
	}
	b.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) removeBreaker(w http.ResponseWriter, r *http.Request) {
	h.breakers.Remove(r.Context(), chi.URLParam(r, "name"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handler) resetAllBreakers(w http.ResponseWriter, r *http.Request) {
	h.breakers.ResetAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": h.agents.Types()})
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": h.engine.Definitions()})
}

func (h *Handler) registerWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var def workflow.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.engine.Register(id, def); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req workflow.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result, err := h.engine.Execute(r.Context(), id, req)
	if result == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	// Failed and partial runs still return the structured result; the
	// caller decides whether a partial outcome is acceptable.
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run archive not configured"})
		return
	}
	runs, err := h.runs.ListRuns(r.Context(), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run archive not configured"})
		return
	}
	run, err := h.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, runstore.ErrRunNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if h.gw == nil {
		writeJSON(w, http.StatusOK, []gateway.Alert{})
		return
	}
	writeJSON(w, http.StatusOK, h.gw.History(20))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
