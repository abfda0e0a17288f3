package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentfi/agentfi-runner/internal/agent"
	"github.com/agentfi/agentfi-runner/internal/engine"
)

const (
	ActionActivate   = "activate"
	ActionDeactivate = "deactivate"
)

// Handler exposes the orchestrator over HTTP.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a new lifecycle handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// Routes returns the operator routes, to be mounted at /api/lifecycle.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/summary", h.HandleSummary)
	r.Post("/heal", h.HandleHeal)
	r.Post("/stop-all", h.HandleStopAll)
	return r
}

type lifecycleRequest struct {
	Action         string `json:"action"`
	TickIntervalMs int64  `json:"tickIntervalMs,omitempty"`
}

type lifecycleResponse struct {
	AgentID string                  `json:"agentId"`
	Action  string                  `json:"action"`
	State   engine.AgentRunnerState `json:"state"`
}

type stopAllResponse struct {
	Stopped []string `json:"stopped"`
	Count   int      `json:"count"`
}

// HandleLifecycle handles POST /api/agents/{id}/lifecycle.
func (h *Handler) HandleLifecycle(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid agent id")
		return
	}

	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.TickIntervalMs < 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "tickIntervalMs must be positive")
		return
	}

	var (
		st  engine.AgentRunnerState
		err error
	)
	switch req.Action {
	case ActionActivate:
		st, err = h.orch.ActivateAgent(r.Context(), agentID, req.TickIntervalMs)
	case ActionDeactivate:
		st, err = h.orch.DeactivateAgent(r.Context(), agentID)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lifecycleResponse{AgentID: agentID, Action: req.Action, State: st})
}

// HandleAgentDetail handles GET /api/agents/{id}.
func (h *Handler) HandleAgentDetail(w http.ResponseWriter, r *http.Request) {
	d, err := h.orch.GetAgentDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// HandleSummary handles GET /api/lifecycle/summary.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.orch.GetLifecycleSummary(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// HandleHeal handles POST /api/lifecycle/heal.
func (h *Handler) HandleHeal(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.AutoHealAgents(r.Context()))
}

// HandleStopAll handles POST /api/lifecycle/stop-all.
func (h *Handler) HandleStopAll(w http.ResponseWriter, r *http.Request) {
	stopped := h.orch.StopAllAgents(r.Context())
	writeJSON(w, http.StatusOK, stopAllResponse{Stopped: stopped, Count: len(stopped)})
}

// --- helpers ---

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidAgentID), errors.Is(err, agent.ErrValidation):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, ErrUnknownAction):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, agent.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "agent not found")
	case errors.Is(err, engine.ErrSchedulerClosed):
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "runner is shutting down")
	default:
		slog.Error("lifecycle handler error", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
