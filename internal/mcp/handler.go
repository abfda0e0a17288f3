package mcp

import (
	"encoding/json"
	"net/http"
)

// Handler exposes the state of the market-data servers to operators.
type Handler struct {
	mgr *Manager
}

// NewHandler creates a new MCP handler.
func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

// HandleList handles GET /api/mcp-servers.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listServersResponse{Data: h.mgr.Statuses()})
}

type listServersResponse struct {
	Data []ServerStatus `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
