package auth

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// Handler provides HTTP handlers for auth endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new auth handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type tokenRequest struct {
	Subject string `json:"subject"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

// HandleToken handles POST /api/auth/token. It exchanges the cron secret
// (enforced by CronMiddleware) for an operator JWT.
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	if h.svc.CronOpen() {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "token issuance requires a cron secret")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.Subject == "" {
		req.Subject = "operator"
	}

	token, err := h.svc.IssueToken(req.Subject)
	if err != nil {
		if errors.Is(err, ErrNoJWTSecret) {
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
			return
		}
		slog.Error("auth: issue token failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresIn: int64(h.svc.jwtTTL.Seconds())})
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
