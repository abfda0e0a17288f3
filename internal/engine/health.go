package engine

import (
	"time"

	"github.com/agentfi/agentfi-runner/pkg/clock"
)

// HealthStatus classifies an agent runner.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthStopped   HealthStatus = "stopped"
)

// staleFactor is how many intervals may pass without a tick before a running
// agent is considered stuck.
const staleFactor = 3

// HealthMonitor derives health from runner state. It never mutates state.
type HealthMonitor struct {
	states *StateStore
	clk    clock.Clock
}

// NewHealthMonitor creates a HealthMonitor reading from states.
func NewHealthMonitor(states *StateStore, clk clock.Clock) *HealthMonitor {
	if clk == nil {
		clk = clock.Real()
	}
	return &HealthMonitor{states: states, clk: clk}
}

// CheckHealth classifies one agent. Unknown agents are stopped.
func (h *HealthMonitor) CheckHealth(agentID string) HealthStatus {
	v, ok := h.states.healthView(agentID)
	if !ok {
		return HealthStopped
	}
	return classify(v, h.clk.Now())
}

// CheckAllHealth classifies every known agent.
func (h *HealthMonitor) CheckAllHealth() map[string]HealthStatus {
	ids := h.states.IDs()
	now := h.clk.Now()
	out := make(map[string]HealthStatus, len(ids))
	for _, id := range ids {
		v, ok := h.states.healthView(id)
		if !ok {
			continue
		}
		out[id] = classify(v, now)
	}
	return out
}

// classify applies, in order: stopped, two consecutive failures or staleness
// (unhealthy), any failure in the window (degraded), healthy.
func classify(v healthView, now time.Time) HealthStatus {
	if !v.isRunning {
		return HealthStopped
	}

	n := len(v.outcomes)
	if n >= 2 && v.outcomes[n-1] && v.outcomes[n-2] {
		return HealthUnhealthy
	}

	// Staleness is measured from the later of the last tick and the current
	// start, so a restart after a long pause is not immediately stale.
	ref := v.lastTickAt
	if v.startedAt.After(ref) {
		ref = v.startedAt
	}
	if !ref.IsZero() && v.intervalMs > 0 {
		limit := time.Duration(staleFactor*v.intervalMs) * time.Millisecond
		if now.Sub(ref) > limit {
			return HealthUnhealthy
		}
	}

	for _, failed := range v.outcomes {
		if failed {
			return HealthDegraded
		}
	}
	return HealthHealthy
}
