package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const agentColumns = `id, name, asset, strategy_prompt, tick_interval_ms, min_confidence,
	is_active, aip_registered, risk_params, llm_params, created_at, updated_at`

func scanAgent(row pgx.Row) (Agent, error) {
	var a Agent
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.Asset,
		&a.StrategyPrompt,
		&a.TickIntervalMs,
		&a.MinConfidence,
		&a.IsActive,
		&a.AipRegistered,
		&a.RiskParams,
		&a.LlmParams,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	return a, err
}

const getAgent = `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`

func (q *Queries) GetAgent(ctx context.Context, id string) (Agent, error) {
	return scanAgent(q.db.QueryRow(ctx, getAgent, id))
}

const listAgents = `SELECT ` + agentColumns + ` FROM agents ORDER BY created_at`

func (q *Queries) ListAgents(ctx context.Context) ([]Agent, error) {
	return q.queryAgents(ctx, listAgents)
}

const listActiveAgents = `SELECT ` + agentColumns + ` FROM agents WHERE is_active ORDER BY created_at`

func (q *Queries) ListActiveAgents(ctx context.Context) ([]Agent, error) {
	return q.queryAgents(ctx, listActiveAgents)
}

func (q *Queries) queryAgents(ctx context.Context, sql string, args ...any) ([]Agent, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

type UpsertAgentParams struct {
	ID             string
	Name           string
	Asset          string
	StrategyPrompt string
	TickIntervalMs int64
	MinConfidence  pgtype.Float8
	AipRegistered  bool
	RiskParams     json.RawMessage
	LlmParams      json.RawMessage
}

const upsertAgent = `INSERT INTO agents (id, name, asset, strategy_prompt, tick_interval_ms,
	min_confidence, aip_registered, risk_params, llm_params)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	asset = EXCLUDED.asset,
	strategy_prompt = EXCLUDED.strategy_prompt,
	tick_interval_ms = EXCLUDED.tick_interval_ms,
	min_confidence = EXCLUDED.min_confidence,
	aip_registered = EXCLUDED.aip_registered,
	risk_params = EXCLUDED.risk_params,
	llm_params = EXCLUDED.llm_params,
	updated_at = now()
RETURNING ` + agentColumns

func (q *Queries) UpsertAgent(ctx context.Context, arg UpsertAgentParams) (Agent, error) {
	return scanAgent(q.db.QueryRow(ctx, upsertAgent,
		arg.ID,
		arg.Name,
		arg.Asset,
		arg.StrategyPrompt,
		arg.TickIntervalMs,
		arg.MinConfidence,
		arg.AipRegistered,
		arg.RiskParams,
		arg.LlmParams,
	))
}

type SetAgentActiveParams struct {
	ID       string
	IsActive bool
}

const setAgentActive = `UPDATE agents SET is_active = $2, updated_at = now() WHERE id = $1
RETURNING ` + agentColumns

func (q *Queries) SetAgentActive(ctx context.Context, arg SetAgentActiveParams) (Agent, error) {
	return scanAgent(q.db.QueryRow(ctx, setAgentActive, arg.ID, arg.IsActive))
}

type CreateTradeLogParams struct {
	ID              uuid.UUID
	AgentID         string
	CreatedAt       time.Time
	Decision        json.RawMessage
	Executed        bool
	ExecutionResult json.RawMessage
	Error           pgtype.Text
}

const createTradeLog = `INSERT INTO trade_logs (id, agent_id, created_at, decision, executed, execution_result, error)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (q *Queries) CreateTradeLog(ctx context.Context, arg CreateTradeLogParams) error {
	_, err := q.db.Exec(ctx, createTradeLog,
		arg.ID,
		arg.AgentID,
		arg.CreatedAt,
		arg.Decision,
		arg.Executed,
		arg.ExecutionResult,
		arg.Error,
	)
	return err
}

type ListTradeLogsParams struct {
	AgentID string
	Limit   int32
}

const listTradeLogs = `SELECT id, agent_id, created_at, decision, executed, execution_result, error
FROM trade_logs WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`

func (q *Queries) ListTradeLogs(ctx context.Context, arg ListTradeLogsParams) ([]TradeLog, error) {
	rows, err := q.db.Query(ctx, listTradeLogs, arg.AgentID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []TradeLog
	for rows.Next() {
		var l TradeLog
		if err := rows.Scan(
			&l.ID,
			&l.AgentID,
			&l.CreatedAt,
			&l.Decision,
			&l.Executed,
			&l.ExecutionResult,
			&l.Error,
		); err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

type CreateRiskEventParams struct {
	AgentID   string
	EventType string
	Details   json.RawMessage
}

const createRiskEvent = `INSERT INTO risk_events (agent_id, event_type, details)
VALUES ($1, $2, $3)
RETURNING id, agent_id, event_type, details, created_at`

func (q *Queries) CreateRiskEvent(ctx context.Context, arg CreateRiskEventParams) (RiskEvent, error) {
	var e RiskEvent
	err := q.db.QueryRow(ctx, createRiskEvent, arg.AgentID, arg.EventType, arg.Details).Scan(
		&e.ID,
		&e.AgentID,
		&e.EventType,
		&e.Details,
		&e.CreatedAt,
	)
	return e, err
}
