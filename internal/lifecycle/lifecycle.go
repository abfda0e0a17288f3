// Package lifecycle is the operator control surface over the agent runner:
// activating and deactivating agents, healing stuck runners, bulk stop and
// the read-only lifecycle summary.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/agentfi/agentfi-runner/internal/agent"
	"github.com/agentfi/agentfi-runner/internal/engine"
	"github.com/agentfi/agentfi-runner/pkg/clock"
)

// ErrUnknownAction is returned for lifecycle actions other than activate
// and deactivate.
var ErrUnknownAction = errors.New("lifecycle: unknown action")

// AgentDirectory is the configuration collaborator. *agent.Service
// implements it.
type AgentDirectory interface {
	GetConfig(ctx context.Context, id string) (agent.Config, error)
	ListAgents(ctx context.Context) ([]agent.Config, error)
	ListActive(ctx context.Context) ([]agent.Config, error)
	SetActive(ctx context.Context, id string, active bool) (agent.Config, error)
}

// HealResult lists the agents an auto-heal pass restarted.
type HealResult struct {
	Healed []string `json:"healed"`
	Failed []string `json:"failed"`
}

// AgentSummary is the per-agent row of the lifecycle summary.
type AgentSummary struct {
	AgentID       string                   `json:"agentId"`
	Name          string                   `json:"name,omitempty"`
	Asset         string                   `json:"asset,omitempty"`
	IsActive      bool                     `json:"isActive"`
	AIPRegistered bool                     `json:"aipRegistered"`
	HealthStatus  engine.HealthStatus      `json:"healthStatus"`
	InFlight      bool                     `json:"inFlight"`
	Runner        *engine.AgentRunnerState `json:"runner"`
}

// Summary aggregates configuration and runner health across all agents.
type Summary struct {
	TotalAgents    int            `json:"totalAgents"`
	ActiveAgents   int            `json:"activeAgents"`
	RunningRunners int            `json:"runningRunners"`
	Healthy        int            `json:"healthy"`
	Degraded       int            `json:"degraded"`
	Unhealthy      int            `json:"unhealthy"`
	Stopped        int            `json:"stopped"`
	TicksInFlight  int            `json:"ticksInFlight"`
	Agents         []AgentSummary `json:"agents"`
}

// AgentDetail is an agent's configuration with its live runner state.
type AgentDetail struct {
	Agent        agent.Config             `json:"agent"`
	HealthStatus engine.HealthStatus      `json:"healthStatus"`
	InFlight     bool                     `json:"inFlight"`
	Runner       *engine.AgentRunnerState `json:"runner"`
}

// Orchestrator composes the scheduler, the health monitor and the agent
// directory.
type Orchestrator struct {
	agents AgentDirectory
	sched  *engine.Scheduler
	health *engine.HealthMonitor
	clk    clock.Clock
}

func NewOrchestrator(agents AgentDirectory, sched *engine.Scheduler, health *engine.HealthMonitor, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Orchestrator{agents: agents, sched: sched, health: health, clk: clk}
}

// ActivateAgent verifies the agent exists, marks it active and starts its
// loop. tickIntervalMs <= 0 uses the agent's configured interval.
func (o *Orchestrator) ActivateAgent(ctx context.Context, agentID string, tickIntervalMs int64) (engine.AgentRunnerState, error) {
	if agentID == "" {
		return engine.AgentRunnerState{}, engine.ErrInvalidAgentID
	}
	cfg, err := o.agents.GetConfig(ctx, agentID)
	if err != nil {
		return engine.AgentRunnerState{}, err
	}

	interval := tickIntervalMs
	if interval <= 0 {
		interval = cfg.TickIntervalMs
	}

	if !cfg.IsActive {
		if _, err := o.agents.SetActive(ctx, agentID, true); err != nil {
			return engine.AgentRunnerState{}, fmt.Errorf("lifecycle: activate %s: %w", agentID, err)
		}
	}

	st, err := o.sched.StartAgent(agentID, interval)
	if err != nil {
		return engine.AgentRunnerState{}, err
	}
	slog.Info("lifecycle: agent activated",
		slog.String("agent_id", agentID),
		slog.Int64("interval_ms", st.IntervalMs),
	)
	return st, nil
}

// DeactivateAgent stops the agent's loop and clears its active flag. Runner
// history is kept. The runner is stopped even when persisting the flag fails.
func (o *Orchestrator) DeactivateAgent(ctx context.Context, agentID string) (engine.AgentRunnerState, error) {
	if agentID == "" {
		return engine.AgentRunnerState{}, engine.ErrInvalidAgentID
	}
	st, _ := o.sched.StopAgent(agentID)
	if st.AgentID == "" {
		st.AgentID = agentID
	}

	if _, err := o.agents.SetActive(ctx, agentID, false); err != nil && !errors.Is(err, agent.ErrNotFound) {
		return st, fmt.Errorf("lifecycle: deactivate %s: %w", agentID, err)
	}
	slog.Info("lifecycle: agent deactivated", slog.String("agent_id", agentID))
	return st, nil
}

// AutoHealAgents restarts every unhealthy runner with its current interval.
// Restarting resets the health window, so a second pass over the same set
// is a no-op.
func (o *Orchestrator) AutoHealAgents(ctx context.Context) HealResult {
	res := HealResult{Healed: []string{}, Failed: []string{}}

	statuses := o.health.CheckAllHealth()
	ids := make([]string, 0, len(statuses))
	for id, status := range statuses {
		if status == engine.HealthUnhealthy {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		var interval int64
		if st, ok := o.sched.GetRunnerState(id); ok {
			interval = st.IntervalMs
		}
		o.sched.StopAgent(id)
		if _, err := o.sched.StartAgent(id, interval); err != nil {
			slog.Error("lifecycle: heal failed",
				slog.String("agent_id", id),
				slog.String("error", err.Error()),
			)
			res.Failed = append(res.Failed, id)
			continue
		}
		slog.Info("lifecycle: agent healed", slog.String("agent_id", id))
		res.Healed = append(res.Healed, id)
	}
	return res
}

// StopAllAgents stops every known runner and returns the ids of those that
// were running. Already stopped agents are skipped silently.
func (o *Orchestrator) StopAllAgents(ctx context.Context) []string {
	stopped := []string{}
	for _, id := range o.sched.States().IDs() {
		st, _ := o.sched.GetRunnerState(id)
		o.sched.StopAgent(id)
		if st.IsRunning {
			stopped = append(stopped, id)
		}
	}
	sort.Strings(stopped)
	slog.Info("lifecycle: stopped all agents", slog.Int("count", len(stopped)))
	return stopped
}

// GetLifecycleSummary builds the read-only aggregate over configured agents
// and every agent with runner state.
func (o *Orchestrator) GetLifecycleSummary(ctx context.Context) (Summary, error) {
	configs, err := o.agents.ListAgents(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("lifecycle: list agents: %w", err)
	}

	rows := make(map[string]*AgentSummary, len(configs))
	for _, c := range configs {
		rows[c.ID] = &AgentSummary{
			AgentID:       c.ID,
			Name:          c.Name,
			Asset:         c.Asset,
			IsActive:      c.IsActive,
			AIPRegistered: c.AIPRegistered,
		}
	}
	for _, st := range o.sched.States().All() {
		row, ok := rows[st.AgentID]
		if !ok {
			row = &AgentSummary{AgentID: st.AgentID}
			rows[st.AgentID] = row
		}
		st := st
		row.Runner = &st
	}

	s := Summary{Agents: make([]AgentSummary, 0, len(rows))}
	for id, row := range rows {
		row.HealthStatus = o.health.CheckHealth(id)
		row.InFlight = o.sched.States().InFlight(id)
		if row.InFlight {
			s.TicksInFlight++
		}
		if row.IsActive {
			s.ActiveAgents++
		}
		if row.Runner != nil && row.Runner.IsRunning {
			s.RunningRunners++
		}
		switch row.HealthStatus {
		case engine.HealthHealthy:
			s.Healthy++
		case engine.HealthDegraded:
			s.Degraded++
		case engine.HealthUnhealthy:
			s.Unhealthy++
		default:
			s.Stopped++
		}
		s.Agents = append(s.Agents, *row)
	}
	sort.Slice(s.Agents, func(i, j int) bool { return s.Agents[i].AgentID < s.Agents[j].AgentID })
	s.TotalAgents = len(s.Agents)
	return s, nil
}

// GetAgentDetail returns the configuration and runner state of one agent.
func (o *Orchestrator) GetAgentDetail(ctx context.Context, agentID string) (AgentDetail, error) {
	cfg, err := o.agents.GetConfig(ctx, agentID)
	if err != nil {
		return AgentDetail{}, err
	}
	d := AgentDetail{
		Agent:        cfg,
		HealthStatus: o.health.CheckHealth(agentID),
		InFlight:     o.sched.States().InFlight(agentID),
	}
	if st, ok := o.sched.GetRunnerState(agentID); ok {
		d.Runner = &st
	}
	return d, nil
}

// RestoreActive starts a loop for every agent marked active. It returns the
// number of agents started; individual failures are joined into the error.
func (o *Orchestrator) RestoreActive(ctx context.Context) (int, error) {
	configs, err := o.agents.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: list active agents: %w", err)
	}

	var errs []error
	started := 0
	for _, c := range configs {
		if _, err := o.sched.StartAgent(c.ID, c.TickIntervalMs); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", c.ID, err))
			continue
		}
		started++
	}
	slog.Info("lifecycle: restored active agents",
		slog.Int("started", started),
		slog.Int("failed", len(errs)),
	)
	return started, errors.Join(errs...)
}

// RunAutoHeal runs AutoHealAgents every interval until ctx is done.
func (o *Orchestrator) RunAutoHeal(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := o.clk.Ticker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := o.AutoHealAgents(ctx)
			if len(res.Healed) > 0 || len(res.Failed) > 0 {
				slog.Warn("lifecycle: auto-heal pass",
					slog.Int("healed", len(res.Healed)),
					slog.Int("failed", len(res.Failed)),
				)
			}
		}
	}
}
