package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/agentfi/agentfi-runner/internal/trade"
)

// AppendTradeLog persists one tick's trade log. Entries are never updated.
func (s *Store) AppendTradeLog(ctx context.Context, l trade.Log) error {
	decisionJSON, err := json.Marshal(l.Decision)
	if err != nil {
		return fmt.Errorf("store: marshal decision: %w", err)
	}
	var resultJSON json.RawMessage
	if l.ExecutionResult != nil {
		if resultJSON, err = json.Marshal(l.ExecutionResult); err != nil {
			return fmt.Errorf("store: marshal execution result: %w", err)
		}
	}
	errText := pgtype.Text{}
	if l.Error != "" {
		errText = pgtype.Text{String: l.Error, Valid: true}
	}

	if err := s.CreateTradeLog(ctx, CreateTradeLogParams{
		ID:              l.ID,
		AgentID:         l.AgentID,
		CreatedAt:       l.Timestamp,
		Decision:        decisionJSON,
		Executed:        l.Executed,
		ExecutionResult: resultJSON,
		Error:           errText,
	}); err != nil {
		return fmt.Errorf("store: append trade log: %w", err)
	}
	return nil
}

// RecentTradeLogs returns up to limit trade logs for an agent, newest first.
func (s *Store) RecentTradeLogs(ctx context.Context, agentID string, limit int32) ([]trade.Log, error) {
	rows, err := s.ListTradeLogs(ctx, ListTradeLogsParams{AgentID: agentID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("store: list trade logs: %w", err)
	}
	out := make([]trade.Log, 0, len(rows))
	for _, r := range rows {
		l := trade.Log{
			ID:        r.ID,
			AgentID:   r.AgentID,
			Timestamp: r.CreatedAt,
			Executed:  r.Executed,
			Error:     r.Error.String,
		}
		if err := json.Unmarshal(r.Decision, &l.Decision); err != nil {
			return nil, fmt.Errorf("store: decode decision %s: %w", r.ID, err)
		}
		if len(r.ExecutionResult) > 0 {
			var res trade.ExecutionResult
			if err := json.Unmarshal(r.ExecutionResult, &res); err != nil {
				return nil, fmt.Errorf("store: decode execution result %s: %w", r.ID, err)
			}
			l.ExecutionResult = &res
		}
		out = append(out, l)
	}
	return out, nil
}
