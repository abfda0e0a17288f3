package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type Agent struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Asset          string          `json:"asset"`
	StrategyPrompt string          `json:"strategy_prompt"`
	TickIntervalMs int64           `json:"tick_interval_ms"`
	MinConfidence  pgtype.Float8   `json:"min_confidence"`
	IsActive       bool            `json:"is_active"`
	AipRegistered  bool            `json:"aip_registered"`
	RiskParams     json.RawMessage `json:"risk_params"`
	LlmParams      json.RawMessage `json:"llm_params"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type TradeLog struct {
	ID              uuid.UUID       `json:"id"`
	AgentID         string          `json:"agent_id"`
	CreatedAt       time.Time       `json:"created_at"`
	Decision        json.RawMessage `json:"decision"`
	Executed        bool            `json:"executed"`
	ExecutionResult json.RawMessage `json:"execution_result"`
	Error           pgtype.Text     `json:"error"`
}

type RiskEvent struct {
	ID        uuid.UUID       `json:"id"`
	AgentID   string          `json:"agent_id"`
	EventType string          `json:"event_type"`
	Details   json.RawMessage `json:"details"`
	CreatedAt time.Time       `json:"created_at"`
}
