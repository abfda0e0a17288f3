// Package agent loads agent configuration for the runner and persists the
// operator-controlled activation flag.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/agentfi/agentfi-runner/internal/store"
)

// Errors returned by the agent service.
var (
	ErrNotFound   = errors.New("agent: not found")
	ErrValidation = errors.New("agent: validation error")
)

// RiskParams holds per-agent risk control parameters. Zero values disable
// the corresponding rule.
type RiskParams struct {
	MaxTradeSize     float64 `json:"max_trade_size"`
	MaxLeverage      float64 `json:"max_leverage"`
	MaxTradesPerHour int     `json:"max_trades_per_hour"`
}

// LLMParams holds optional per-agent LLM configuration.
// Zero values mean "use global default".
type LLMParams struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Config is everything the runner needs to know about an agent.
type Config struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Asset          string     `json:"asset"`
	StrategyPrompt string     `json:"strategyPrompt"`
	TickIntervalMs int64      `json:"tickIntervalMs"`
	MinConfidence  *float64   `json:"minConfidence,omitempty"`
	IsActive       bool       `json:"isActive"`
	AIPRegistered  bool       `json:"aipRegistered"`
	RiskParams     RiskParams `json:"riskParams"`
	LLMParams      LLMParams  `json:"llmParams"`
}

// Store is the subset of store.Queries the service needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (store.Agent, error)
	ListAgents(ctx context.Context) ([]store.Agent, error)
	ListActiveAgents(ctx context.Context) ([]store.Agent, error)
	SetAgentActive(ctx context.Context, arg store.SetAgentActiveParams) (store.Agent, error)
}

// Service exposes agent configuration to the runner.
type Service struct {
	store Store
}

// NewService creates a new agent service.
func NewService(s Store) *Service {
	return &Service{store: s}
}

// GetConfig returns the configuration of a single agent.
func (s *Service) GetConfig(ctx context.Context, id string) (Config, error) {
	if id == "" {
		return Config{}, fmt.Errorf("%w: empty agent id", ErrValidation)
	}
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrNotFound
		}
		return Config{}, fmt.Errorf("agent: get: %w", err)
	}
	return toConfig(a), nil
}

// ListAgents returns every configured agent.
func (s *Service) ListAgents(ctx context.Context) ([]Config, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent: list: %w", err)
	}
	return toConfigs(agents), nil
}

// ListActive returns agents flagged active, used to restore runners on boot.
func (s *Service) ListActive(ctx context.Context) ([]Config, error) {
	agents, err := s.store.ListActiveAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent: list active: %w", err)
	}
	return toConfigs(agents), nil
}

// SetActive persists the activation flag and returns the updated config.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (Config, error) {
	a, err := s.store.SetAgentActive(ctx, store.SetAgentActiveParams{ID: id, IsActive: active})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrNotFound
		}
		return Config{}, fmt.Errorf("agent: set active: %w", err)
	}
	return toConfig(a), nil
}

func toConfigs(agents []store.Agent) []Config {
	out := make([]Config, len(agents))
	for i, a := range agents {
		out[i] = toConfig(a)
	}
	return out
}

// toConfig converts a store.Agent to a Config. Malformed JSON params fall
// back to zero values so a bad row never blocks the runner.
func toConfig(a store.Agent) Config {
	var rp RiskParams
	if len(a.RiskParams) > 0 {
		if err := json.Unmarshal(a.RiskParams, &rp); err != nil {
			slog.Warn("agent: unmarshal risk_params", slog.String("agent_id", a.ID), slog.String("error", err.Error()))
		}
	}
	var lp LLMParams
	if len(a.LlmParams) > 0 {
		if err := json.Unmarshal(a.LlmParams, &lp); err != nil {
			slog.Warn("agent: unmarshal llm_params", slog.String("agent_id", a.ID), slog.String("error", err.Error()))
		}
	}

	cfg := Config{
		ID:             a.ID,
		Name:           a.Name,
		Asset:          a.Asset,
		StrategyPrompt: a.StrategyPrompt,
		TickIntervalMs: a.TickIntervalMs,
		IsActive:       a.IsActive,
		AIPRegistered:  a.AipRegistered,
		RiskParams:     rp,
		LLMParams:      lp,
	}
	if a.MinConfidence.Valid {
		v := a.MinConfidence.Float64
		cfg.MinConfidence = &v
	}
	return cfg
}

// ToUpsertParams converts a Config into store parameters, used by seeding
// tools and tests.
func ToUpsertParams(c Config) store.UpsertAgentParams {
	riskJSON, _ := json.Marshal(c.RiskParams)
	llmJSON, _ := json.Marshal(c.LLMParams)
	p := store.UpsertAgentParams{
		ID:             c.ID,
		Name:           c.Name,
		Asset:          c.Asset,
		StrategyPrompt: c.StrategyPrompt,
		TickIntervalMs: c.TickIntervalMs,
		AipRegistered:  c.AIPRegistered,
		RiskParams:     riskJSON,
		LlmParams:      llmJSON,
	}
	if c.MinConfidence != nil {
		p.MinConfidence = pgtype.Float8{Float64: *c.MinConfidence, Valid: true}
	}
	return p
}
