package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/agentfi/agentfi-runner/internal/agent"
	"github.com/agentfi/agentfi-runner/internal/market"
	"github.com/agentfi/agentfi-runner/internal/trade"
	"github.com/agentfi/agentfi-runner/pkg/clock"
)

// DefaultConfidenceThreshold is the minimum decision confidence for a
// non-hold decision to be executed.
const DefaultConfidenceThreshold = 0.6

// DefaultTickTimeout bounds one tick, collaborator calls included.
const DefaultTickTimeout = 60 * time.Second

// persistTimeout bounds the trade log write and publish. They run detached
// from the tick deadline so a slow decision or a cancelled caller cannot drop
// the record of an order that was already filled.
const persistTimeout = 10 * time.Second

// maxErrorLen bounds collaborator error text stored or returned.
const maxErrorLen = 200

// Errors returned by the engine.
var (
	ErrAgentNotFound   = errors.New("engine: agent not found")
	ErrAgentConfig     = errors.New("engine: agent config unavailable")
	ErrTickInFlight    = errors.New("engine: tick already in flight")
	ErrSchedulerClosed = errors.New("engine: scheduler closed")
	ErrInvalidAgentID  = errors.New("engine: invalid agent id")
	ErrTickPanic       = errors.New("engine: tick panicked")
)

// --- Collaborator interfaces ---

// ConfigSource looks up agent configuration.
type ConfigSource interface {
	GetConfig(ctx context.Context, id string) (agent.Config, error)
}

// MarketContextBuilder gathers market data for one tick.
type MarketContextBuilder interface {
	Build(ctx context.Context, cfg agent.Config) (market.Snapshot, error)
}

// Decider turns market context into a trade decision.
type Decider interface {
	Decide(ctx context.Context, cfg agent.Config, snap market.Snapshot) (trade.Decision, error)
}

// OrderSubmitter places the order described by a decision.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, cfg agent.Config, d trade.Decision) (trade.ExecutionResult, error)
}

// TradeLogAppender persists trade logs.
type TradeLogAppender interface {
	AppendTradeLog(ctx context.Context, l trade.Log) error
}

// EventPublisher fans out tick results and state changes. Failures are logged
// and never affect the tick.
type EventPublisher interface {
	PublishTradeLog(ctx context.Context, l trade.Log) error
	PublishRunnerState(ctx context.Context, s AgentRunnerState) error
}

// ExecutorOptions tunes an Executor. Zero values select the defaults.
type ExecutorOptions struct {
	ConfidenceThreshold float64
	TickTimeout         time.Duration
}

// Executor performs a single decide-then-maybe-execute cycle.
type Executor struct {
	configs   ConfigSource
	market    MarketContextBuilder
	decider   Decider
	orders    OrderSubmitter
	logs      TradeLogAppender
	events    EventPublisher
	states    *StateStore
	clk       clock.Clock
	threshold float64
	timeout   time.Duration
}

// NewExecutor creates an Executor. events may be nil.
func NewExecutor(
	states *StateStore,
	configs ConfigSource,
	mkt MarketContextBuilder,
	decider Decider,
	orders OrderSubmitter,
	logs TradeLogAppender,
	events EventPublisher,
	clk clock.Clock,
	opts ExecutorOptions,
) *Executor {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = DefaultTickTimeout
	}
	return &Executor{
		configs:   configs,
		market:    mkt,
		decider:   decider,
		orders:    orders,
		logs:      logs,
		events:    events,
		states:    states,
		clk:       clk,
		threshold: opts.ConfidenceThreshold,
		timeout:   opts.TickTimeout,
	}
}

// Threshold returns the confidence threshold that applies to cfg.
func (e *Executor) Threshold(cfg agent.Config) float64 {
	if cfg.MinConfidence != nil {
		return *cfg.MinConfidence
	}
	return e.threshold
}

// ShouldExecute reports whether d passes the confidence gate.
func ShouldExecute(d trade.Decision, threshold float64) bool {
	return d.Action != trade.ActionHold && d.Confidence >= threshold
}

// Execute runs one tick for agentID. Decision and execution failures are
// recorded and reflected in the returned log; the only errors returned are
// configuration lookup failures.
//
// Execute does not take the single-flight guard; callers go through Scheduler.
func (e *Executor) Execute(ctx context.Context, agentID string) (trade.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := e.clk.Now()
	slog.Info("engine: tick start", slog.String("agent_id", agentID))

	cfg, err := e.configs.GetConfig(ctx, agentID)
	if err != nil {
		kind := ErrAgentConfig
		if errors.Is(err, agent.ErrNotFound) {
			kind = ErrAgentNotFound
		}
		msg := "config: " + truncate(err.Error(), maxErrorLen)
		e.states.RecordError(agentID, e.clk.Now(), msg)
		e.states.recordAttempt(agentID, e.clk.Now(), true)
		return trade.Log{}, fmt.Errorf("%w: %s", kind, truncate(err.Error(), maxErrorLen))
	}

	failed := false
	fail := func(prefix string, err error) string {
		failed = true
		msg := prefix + ": " + truncate(err.Error(), maxErrorLen)
		e.states.RecordError(agentID, e.clk.Now(), msg)
		return msg
	}

	entry := trade.Log{
		ID:        uuid.New(),
		AgentID:   agentID,
		Timestamp: started.UTC(),
	}

	decision, err := e.decide(ctx, cfg)
	if err != nil {
		entry.Error = fail("decision", err)
		decision = trade.Hold(cfg.Asset, "decision unavailable")
	}
	entry.Decision = decision

	if ShouldExecute(decision, e.Threshold(cfg)) {
		res, err := e.orders.SubmitOrder(ctx, cfg, decision)
		switch {
		case err != nil:
			entry.Error = fail("execution", err)
			entry.ExecutionResult = &trade.ExecutionResult{Success: false, Error: truncate(err.Error(), maxErrorLen)}
		case !res.Success:
			reason := res.Error
			if reason == "" {
				reason = "order not filled"
			}
			entry.Error = fail("execution", errors.New(reason))
			entry.ExecutionResult = &res
		default:
			entry.Executed = true
			entry.ExecutionResult = &res
		}
	}

	persistCtx, persistCancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer persistCancel()
	if err := e.logs.AppendTradeLog(persistCtx, entry); err != nil {
		fail("trade log", err)
	}
	if e.events != nil {
		if err := e.events.PublishTradeLog(persistCtx, entry); err != nil {
			slog.Warn("engine: publish trade log failed",
				slog.String("agent_id", agentID),
				slog.String("error", err.Error()),
			)
		}
	}

	e.states.recordAttempt(agentID, e.clk.Now(), failed)

	slog.Info("engine: tick end",
		slog.String("agent_id", agentID),
		slog.String("action", string(decision.Action)),
		slog.Float64("confidence", decision.Confidence),
		slog.Bool("executed", entry.Executed),
		slog.Bool("failed", failed),
		slog.Int64("duration_ms", e.clk.Now().Sub(started).Milliseconds()),
	)
	return entry, nil
}

// decide builds market context and asks the decider. Malformed decisions are
// reported as errors.
func (e *Executor) decide(ctx context.Context, cfg agent.Config) (trade.Decision, error) {
	snap, err := e.market.Build(ctx, cfg)
	if err != nil {
		return trade.Decision{}, fmt.Errorf("market context: %w", err)
	}
	d, err := e.decider.Decide(ctx, cfg, snap)
	if err != nil {
		return trade.Decision{}, err
	}
	action, ok := trade.ParseAction(string(d.Action))
	if !ok {
		return trade.Decision{}, fmt.Errorf("%w: unknown action %q", trade.ErrInvalidDecision, d.Action)
	}
	d.Action = action
	if d.Asset == "" {
		d.Asset = cfg.Asset
	}
	if err := d.Validate(); err != nil {
		return trade.Decision{}, err
	}
	return d, nil
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
