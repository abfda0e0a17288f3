package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Command is the closed set of actions accepted by the tick endpoint.
type Command string

const (
	CommandTick   Command = "tick"
	CommandStart  Command = "start"
	CommandStop   Command = "stop"
	CommandStatus Command = "status"
)

// ErrUnknownCommand is returned by ParseCommand.
var ErrUnknownCommand = errors.New("engine: unknown command")

// ParseCommand validates s. An empty action means tick.
func ParseCommand(s string) (Command, error) {
	switch c := Command(s); c {
	case "":
		return CommandTick, nil
	case CommandTick, CommandStart, CommandStop, CommandStatus:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
}

type tickRequest struct {
	Action     string `json:"action"`
	IntervalMs int64  `json:"intervalMs,omitempty"`
}

type stopResponse struct {
	AgentID string            `json:"agentId"`
	Stopped bool              `json:"stopped"`
	State   *AgentRunnerState `json:"state,omitempty"`
}

type commandFunc func(w http.ResponseWriter, r *http.Request, agentID string, req tickRequest)

// Handler serves the per-agent tick endpoint.
type Handler struct {
	sched    *Scheduler
	commands map[Command]commandFunc
}

// NewHandler creates a new engine handler.
func NewHandler(sched *Scheduler) *Handler {
	h := &Handler{sched: sched}
	h.commands = map[Command]commandFunc{
		CommandTick:   h.tick,
		CommandStart:  h.start,
		CommandStop:   h.stop,
		CommandStatus: h.status,
	}
	return h
}

// HandleTick handles POST /api/agents/{id}/tick.
func (h *Handler) HandleTick(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid agent id")
		return
	}

	var req tickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.IntervalMs < 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "intervalMs must be positive")
		return
	}

	cmd, err := ParseCommand(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	h.commands[cmd](w, r, agentID, req)
}

// HandleRunnerState handles GET /api/agents/{id}/runner.
func (h *Handler) HandleRunnerState(w http.ResponseWriter, r *http.Request) {
	h.status(w, r, chi.URLParam(r, "id"), tickRequest{})
}

func (h *Handler) tick(w http.ResponseWriter, r *http.Request, agentID string, _ tickRequest) {
	l, err := h.sched.ExecuteTick(r.Context(), agentID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) start(w http.ResponseWriter, _ *http.Request, agentID string, req tickRequest) {
	st, err := h.sched.StartAgent(agentID, req.IntervalMs)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) stop(w http.ResponseWriter, _ *http.Request, agentID string, _ tickRequest) {
	resp := stopResponse{AgentID: agentID, Stopped: true}
	if st, ok := h.sched.StopAgent(agentID); ok {
		resp.State = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request, agentID string, _ tickRequest) {
	st, ok := h.sched.GetRunnerState(agentID)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no runner state for agent")
		return
	}
	writeJSON(w, http.StatusOK, st)
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
	case errors.Is(err, ErrInvalidAgentID):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "agent not found")
	case errors.Is(err, ErrTickInFlight):
		writeError(w, http.StatusConflict, "TICK_IN_FLIGHT", "a tick is already running for this agent")
	case errors.Is(err, ErrSchedulerClosed):
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "runner is shutting down")
	case errors.Is(err, ErrAgentConfig):
		writeError(w, http.StatusBadGateway, "CONFIG_UNAVAILABLE", truncate(err.Error(), maxErrorLen))
	default:
		slog.Error("engine handler error", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
