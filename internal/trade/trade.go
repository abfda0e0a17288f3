// Package trade defines the decision, execution and log records produced by
// one agent tick.
package trade

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidDecision is returned by Decision.Validate.
var ErrInvalidDecision = errors.New("trade: invalid decision")

// Action is the direction chosen by the decision step.
type Action string

const (
	ActionHold  Action = "hold"
	ActionLong  Action = "long"
	ActionShort Action = "short"
)

// ParseAction normalizes s into an Action.
func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case ActionHold, ActionLong, ActionShort:
		return Action(s), true
	case "HOLD", "Hold":
		return ActionHold, true
	case "LONG", "Long", "BUY", "buy":
		return ActionLong, true
	case "SHORT", "Short", "SELL", "sell":
		return ActionShort, true
	}
	return "", false
}

// Decision is the output of the decision collaborator.
type Decision struct {
	Action     Action  `json:"action"`
	Asset      string  `json:"asset"`
	Size       float64 `json:"size"`
	Leverage   float64 `json:"leverage"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Hold returns a hold decision for asset with the given reasoning.
func Hold(asset, reasoning string) Decision {
	return Decision{Action: ActionHold, Asset: asset, Reasoning: reasoning}
}

// Validate checks the decision is well formed.
func (d Decision) Validate() error {
	if _, ok := ParseAction(string(d.Action)); !ok {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, d.Action)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidDecision, d.Confidence)
	}
	if d.Action != ActionHold {
		if d.Size <= 0 {
			return fmt.Errorf("%w: size must be positive for %s", ErrInvalidDecision, d.Action)
		}
		if d.Leverage < 0 {
			return fmt.Errorf("%w: negative leverage", ErrInvalidDecision)
		}
	}
	return nil
}

// ExecutionResult is what the execution collaborator reported for an order.
type ExecutionResult struct {
	Success    bool    `json:"success"`
	OrderID    string  `json:"order_id,omitempty"`
	Status     string  `json:"status,omitempty"`
	FilledSize float64 `json:"filled_size,omitempty"`
	AvgPrice   float64 `json:"avg_price,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Log is the append-only record written once per tick.
type Log struct {
	ID              uuid.UUID        `json:"id"`
	AgentID         string           `json:"agent_id"`
	Timestamp       time.Time        `json:"timestamp"`
	Decision        Decision         `json:"decision"`
	Executed        bool             `json:"executed"`
	ExecutionResult *ExecutionResult `json:"execution_result,omitempty"`
	Error           string           `json:"error,omitempty"`
}
