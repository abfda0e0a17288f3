// Package risk validates trade decisions against per-agent limits before an
// order is sent. Rules run as a chain and the first violation rejects the
// trade. Every verdict is recorded as a risk event.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentfi/agentfi-runner/internal/agent"
	"github.com/agentfi/agentfi-runner/internal/store"
	"github.com/agentfi/agentfi-runner/internal/trade"
	"github.com/agentfi/agentfi-runner/pkg/clock"
)

// TradeRequest is the trade under evaluation.
type TradeRequest struct {
	AgentID  string       `json:"agent_id"`
	Action   trade.Action `json:"action"`
	Asset    string       `json:"asset"`
	Size     float64      `json:"size"`
	Leverage float64      `json:"leverage"`
}

// Decision is the outcome of risk validation.
type Decision struct {
	Approved bool     `json:"approved"`
	Reason   string   `json:"reason,omitempty"`
	Rules    []string `json:"rules,omitempty"`
}

// AgentState is the runtime state the rules evaluate against.
type AgentState struct {
	HourlyTradeCount int `json:"hourly_trade_count"`
}

// RiskEventLogger writes risk events. *store.Queries satisfies it.
type RiskEventLogger interface {
	CreateRiskEvent(ctx context.Context, arg store.CreateRiskEventParams) (store.RiskEvent, error)
}

// Controller runs the rule chain and tracks per-agent trade frequency.
type Controller struct {
	logger RiskEventLogger
	clk    clock.Clock

	mu     sync.Mutex
	trades map[string][]time.Time
}

// NewController creates a controller. logger may be nil to skip persistence.
func NewController(logger RiskEventLogger, clk clock.Clock) *Controller {
	return &Controller{
		logger: logger,
		clk:    clk,
		trades: make(map[string][]time.Time),
	}
}

type ruleFunc func(req TradeRequest, params agent.RiskParams, state AgentState) string

func rules() []ruleFunc {
	return []ruleFunc{
		checkMaxTradeSize,
		checkMaxLeverage,
		checkTradeFrequency,
	}
}

// Check validates decision d for the agent described by cfg and logs the
// verdict. A logging failure is returned alongside the verdict.
func (c *Controller) Check(ctx context.Context, cfg agent.Config, d trade.Decision) (*Decision, error) {
	req := TradeRequest{
		AgentID:  cfg.ID,
		Action:   d.Action,
		Asset:    d.Asset,
		Size:     d.Size,
		Leverage: d.Leverage,
	}
	state := AgentState{HourlyTradeCount: c.hourlyCount(cfg.ID)}

	decision := ValidatePure(req, cfg.RiskParams, state)
	if !decision.Approved {
		slog.Warn("risk: trade rejected",
			slog.String("agent_id", cfg.ID),
			slog.String("reason", decision.Reason),
		)
	}

	if err := c.logDecision(ctx, req, decision); err != nil {
		return decision, fmt.Errorf("risk: log decision: %w", err)
	}
	return decision, nil
}

// RecordTrade counts a submitted order towards the hourly limit.
func (c *Controller) RecordTrade(agentID string) {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trades[agentID] = append(prune(c.trades[agentID], now), now)
}

func (c *Controller) hourlyCount(agentID string) int {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := prune(c.trades[agentID], now)
	if len(kept) == 0 {
		delete(c.trades, agentID)
		return 0
	}
	c.trades[agentID] = kept
	return len(kept)
}

// prune drops timestamps older than one hour. ts is in ascending order.
func prune(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

func checkMaxTradeSize(req TradeRequest, params agent.RiskParams, _ AgentState) string {
	if params.MaxTradeSize > 0 && req.Size > params.MaxTradeSize {
		return fmt.Sprintf("trade_size_exceeded: %g > limit %g", req.Size, params.MaxTradeSize)
	}
	return ""
}

func checkMaxLeverage(req TradeRequest, params agent.RiskParams, _ AgentState) string {
	if params.MaxLeverage > 0 && req.Leverage > params.MaxLeverage {
		return fmt.Sprintf("leverage_exceeded: %g > limit %g", req.Leverage, params.MaxLeverage)
	}
	return ""
}

func checkTradeFrequency(_ TradeRequest, params agent.RiskParams, state AgentState) string {
	if params.MaxTradesPerHour > 0 && state.HourlyTradeCount >= params.MaxTradesPerHour {
		return fmt.Sprintf("rate_limit_exceeded: %d >= limit %d trades/hour", state.HourlyTradeCount, params.MaxTradesPerHour)
	}
	return ""
}

// riskEventDetails is the JSON payload stored in risk_events.details.
type riskEventDetails struct {
	Trade    TradeRequest `json:"trade"`
	Decision *Decision    `json:"decision"`
	Time     time.Time    `json:"time"`
}

func (c *Controller) logDecision(ctx context.Context, req TradeRequest, decision *Decision) error {
	if c.logger == nil {
		return nil
	}
	eventType := "trade_approved"
	if !decision.Approved {
		eventType = "trade_rejected"
	}

	details, err := json.Marshal(riskEventDetails{
		Trade:    req,
		Decision: decision,
		Time:     c.clk.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	_, err = c.logger.CreateRiskEvent(ctx, store.CreateRiskEventParams{
		AgentID:   req.AgentID,
		EventType: eventType,
		Details:   details,
	})
	return err
}

// ValidatePure runs the rule chain without logging.
func ValidatePure(req TradeRequest, params agent.RiskParams, state AgentState) *Decision {
	decision := &Decision{Approved: true}
	for _, rule := range rules() {
		if reason := rule(req, params, state); reason != "" {
			decision.Approved = false
			decision.Reason = reason
			decision.Rules = append(decision.Rules, reason)
			break
		}
	}
	return decision
}
