package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/agentfi/agentfi-runner/internal/trade"
)

func newTestRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/agents/{id}/tick", h.HandleTick)
	r.Get("/api/agents/{id}/runner", h.HandleRunnerState)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleTickCommands(t *testing.T) {
	r := newRig(rigOptions{})
	r.addAgent("a1")
	router := newTestRouter(NewHandler(r.sched))

	rec := doJSON(t, router, http.MethodPost, "/api/agents/a1/tick", `{"action":"tick"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var l trade.Log
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&l))
	require.Equal(t, "a1", l.AgentID)
	require.False(t, l.Executed)

	rec = doJSON(t, router, http.MethodPost, "/api/agents/a1/tick", `{"action":"start","intervalMs":30000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var st AgentRunnerState
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	require.True(t, st.IsRunning)
	require.EqualValues(t, 30000, st.IntervalMs)
	require.EqualValues(t, 1, st.TickCount)

	rec = doJSON(t, router, http.MethodPost, "/api/agents/a1/tick", `{"action":"status"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/agents/a1/tick", `{"action":"stop"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var stop stopResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stop))
	require.True(t, stop.Stopped)
	require.NotNil(t, stop.State)
	require.False(t, stop.State.IsRunning)

	rec = doJSON(t, router, http.MethodGet, "/api/agents/a1/runner", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"isRunning":false`)
	require.Contains(t, rec.Body.String(), `"nextTickAt":null`)
}

func TestHandleTickEmptyBodyMeansTick(t *testing.T) {
	r := newRig(rigOptions{})
	r.addAgent("a1")
	router := newTestRouter(NewHandler(r.sched))

	rec := doJSON(t, router, http.MethodPost, "/api/agents/a1/tick", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, r.logs.count())
}

func TestHandleTickRejectsUnknownCommand(t *testing.T) {
	r := newRig(rigOptions{})
	router := newTestRouter(NewHandler(r.sched))

	rec := doJSON(t, router, http.MethodPost, "/api/agents/a1/tick", `{"action":"restart"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "BAD_REQUEST")

	rec = doJSON(t, router, http.MethodPost, "/api/agents/a1/tick", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/agents/a1/tick", `{"action":"start","intervalMs":-5}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTickErrors(t *testing.T) {
	r := newRig(rigOptions{})
	router := newTestRouter(NewHandler(r.sched))

	rec := doJSON(t, router, http.MethodPost, "/api/agents/ghost/tick", `{"action":"tick"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/agents/never-started/runner", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Stopping an unknown agent is an acknowledged no-op.
	rec = doJSON(t, router, http.MethodPost, "/api/agents/never-started/tick", `{"action":"stop"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	r.addAgent("busy")
	r.decider.block = make(chan struct{})
	r.decider.started = make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		doJSON(t, router, http.MethodPost, "/api/agents/busy/tick", `{"action":"tick"}`)
	}()
	<-r.decider.started
	rec = doJSON(t, router, http.MethodPost, "/api/agents/busy/tick", `{"action":"tick"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "TICK_IN_FLIGHT")
	close(r.decider.block)
	<-done
}

func TestParseCommand(t *testing.T) {
	for _, s := range []string{"tick", "start", "stop", "status", ""} {
		_, err := ParseCommand(s)
		require.NoError(t, err, s)
	}
	for _, s := range []string{"TICK", "pause", "heal"} {
		_, err := ParseCommand(s)
		require.ErrorIs(t, err, ErrUnknownCommand, s)
	}
}
