// Package fastpath extracts simple numeric conditions such as "RSI < 30"
// from strategy prompts and checks them against market-data tools. When a
// strategy's conditions are not met the tick can resolve to hold without a
// model round trip.
package fastpath

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// indicatorTools maps an indicator keyword to the market tool that serves it.
var indicatorTools = map[string]string{
	"RSI":     "get_rsi",
	"MACD":    "get_macd",
	"PRICE":   "get_price",
	"EMA":     "get_ema",
	"SMA":     "get_sma",
	"VOLUME":  "get_volume",
	"ATR":     "get_atr",
	"BBWIDTH": "get_bbwidth",
	"FUNDING": "get_funding_rate",
	"OI":      "get_open_interest",
}

// Group 1: indicator, group 2: operator, group 3: number.
var conditionPattern = regexp.MustCompile(
	`(?i)\b(RSI|MACD|PRICE|EMA|SMA|VOLUME|ATR|BBWIDTH|FUNDING|OI)\s*(<=|>=|==|<|>)\s*(-?\d+(?:\.\d+)?)\b`,
)

// Caller fetches the current value of a market tool.
type Caller func(ctx context.Context, toolName string, args map[string]any) (any, error)

// Condition is one numeric comparison parsed from a strategy prompt.
type Condition struct {
	Indicator string  `json:"indicator"`
	Operator  string  `json:"operator"`
	Threshold float64 `json:"threshold"`
	ToolName  string  `json:"tool_name"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Indicator, c.Operator, strconv.FormatFloat(c.Threshold, 'f', -1, 64))
}

// Observation is the value a condition was checked against.
type Observation struct {
	Condition Condition `json:"condition"`
	Value     float64   `json:"value"`
	Met       bool      `json:"met"`
}

// TryParse returns every parseable condition in the prompt, or nil when
// there are none and the caller should reason over the full prompt.
func TryParse(strategyPrompt string) []Condition {
	matches := conditionPattern.FindAllStringSubmatch(strategyPrompt, -1)
	if len(matches) == 0 {
		return nil
	}

	conditions := make([]Condition, 0, len(matches))
	for _, m := range matches {
		indicator := strings.ToUpper(m[1])
		threshold, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			continue
		}
		toolName, ok := indicatorTools[indicator]
		if !ok {
			continue
		}
		conditions = append(conditions, Condition{
			Indicator: indicator,
			Operator:  m[2],
			Threshold: threshold,
			ToolName:  toolName,
		})
	}
	return conditions
}

// Evaluate checks the conditions for asset in order and reports whether all
// of them hold. It stops at the first unmet condition. The observations
// gathered so far are returned alongside the verdict.
func Evaluate(ctx context.Context, asset string, conditions []Condition, call Caller) (bool, []Observation, error) {
	if len(conditions) == 0 {
		return false, nil, nil
	}

	obs := make([]Observation, 0, len(conditions))
	for _, cond := range conditions {
		value, err := call(ctx, cond.ToolName, map[string]any{"asset": asset})
		if err != nil {
			return false, obs, fmt.Errorf("fastpath: call %s: %w", cond.ToolName, err)
		}

		num, err := ToFloat64(value)
		if err != nil {
			return false, obs, fmt.Errorf("fastpath: convert %s result: %w", cond.ToolName, err)
		}

		met := compare(num, cond.Operator, cond.Threshold)
		obs = append(obs, Observation{Condition: cond, Value: num, Met: met})
		if !met {
			return false, obs, nil
		}
	}
	return true, obs, nil
}

func compare(lhs float64, op string, rhs float64) bool {
	switch op {
	case "<":
		return lhs < rhs
	case ">":
		return lhs > rhs
	case "<=":
		return lhs <= rhs
	case ">=":
		return lhs >= rhs
	case "==":
		return lhs == rhs
	default:
		return false
	}
}

// ToFloat64 converts a tool result to a number. Tools answer either with a
// bare number, a numeric string or an object carrying a "value" field.
func ToFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(val), 64)
	case map[string]any:
		if raw, ok := val["value"]; ok {
			return ToFloat64(raw)
		}
		return 0, fmt.Errorf("map has no 'value' key")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
