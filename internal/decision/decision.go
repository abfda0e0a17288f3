// Package decision turns an agent's strategy and the current market snapshot
// into a trade decision. Strategies with simple numeric conditions are
// checked on the fast path first; when those conditions are not met the
// agent holds without a model call.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentfi/agentfi-runner/internal/agent"
	"github.com/agentfi/agentfi-runner/internal/engine/fastpath"
	"github.com/agentfi/agentfi-runner/internal/llm"
	"github.com/agentfi/agentfi-runner/internal/market"
	"github.com/agentfi/agentfi-runner/internal/trade"
)

// ErrMalformedDecision is returned when the model output cannot be read as a
// decision.
var ErrMalformedDecision = errors.New("decision: malformed model output")

// ToolCaller fetches indicator values the snapshot does not already carry.
type ToolCaller interface {
	CallToolByName(ctx context.Context, toolName string, args map[string]any) (any, error)
}

const systemPrompt = `You are an autonomous trading agent. Follow the user's strategy exactly.
Reply with a single JSON object and nothing else:
{"action":"hold|long|short","asset":"<symbol>","size":<number>,"leverage":<number>,"confidence":<0..1>,"reasoning":"<one or two sentences>"}
Use "hold" with size 0 when the strategy does not call for a trade.`

// Decider implements the decision step over an LLM client.
type Decider struct {
	llm   llm.Client
	tools ToolCaller
}

// NewDecider creates a Decider. tools may be nil, in which case fast-path
// conditions are only checked against values already in the snapshot.
func NewDecider(client llm.Client, tools ToolCaller) *Decider {
	return &Decider{llm: client, tools: tools}
}

// Decide returns the decision for one tick.
func (d *Decider) Decide(ctx context.Context, cfg agent.Config, snap market.Snapshot) (trade.Decision, error) {
	var observations []fastpath.Observation
	if conds := fastpath.TryParse(cfg.StrategyPrompt); len(conds) > 0 {
		met, obs, err := fastpath.Evaluate(ctx, cfg.Asset, conds, d.lookup(snap))
		switch {
		case err != nil:
			slog.Warn("decision: fast path failed, using model",
				slog.String("agent_id", cfg.ID),
				slog.String("error", err.Error()),
			)
		case !met:
			last := obs[len(obs)-1]
			slog.Debug("decision: fast path condition not met",
				slog.String("agent_id", cfg.ID),
				slog.String("condition", last.Condition.String()),
				slog.Float64("value", last.Value),
			)
			return trade.Hold(cfg.Asset, fmt.Sprintf("fast path: %s not met (value %g)", last.Condition, last.Value)), nil
		default:
			observations = obs
		}
	}

	userPrompt, err := buildPrompt(cfg, snap, observations)
	if err != nil {
		return trade.Decision{}, err
	}

	resp, err := d.llm.Chat(ctx, llm.ChatRequest{
		Model:       cfg.LLMParams.Model,
		Temperature: cfg.LLMParams.Temperature,
		MaxTokens:   cfg.LLMParams.MaxTokens,
		JSONMode:    true,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return trade.Decision{}, fmt.Errorf("decision: %w", err)
	}

	dec, err := Parse(resp.Content)
	if err != nil {
		return trade.Decision{}, err
	}
	if dec.Asset == "" {
		dec.Asset = cfg.Asset
	}
	return dec, nil
}

// lookup prefers values already fetched for the snapshot.
func (d *Decider) lookup(snap market.Snapshot) fastpath.Caller {
	return func(ctx context.Context, tool string, args map[string]any) (any, error) {
		if v, ok := snap.Data[tool]; ok {
			return v, nil
		}
		if d.tools == nil {
			return nil, fmt.Errorf("no value for %s", tool)
		}
		return d.tools.CallToolByName(ctx, tool, args)
	}
}

func buildPrompt(cfg agent.Config, snap market.Snapshot, obs []fastpath.Observation) (string, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("decision: encode snapshot: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Strategy:\n%s\n\n", cfg.StrategyPrompt)
	fmt.Fprintf(&b, "Asset: %s\n", cfg.Asset)
	if r := cfg.RiskParams; r.MaxTradeSize > 0 || r.MaxLeverage > 0 {
		fmt.Fprintf(&b, "Limits: max size %g, max leverage %g\n", r.MaxTradeSize, r.MaxLeverage)
	}
	if len(obs) > 0 {
		b.WriteString("Strategy conditions currently met:\n")
		for _, o := range obs {
			fmt.Fprintf(&b, "- %s (value %g)\n", o.Condition, o.Value)
		}
	}
	fmt.Fprintf(&b, "\nMarket data:\n%s\n", data)
	return b.String(), nil
}

type rawDecision struct {
	Action     string  `json:"action"`
	Asset      string  `json:"asset"`
	Size       float64 `json:"size"`
	Leverage   float64 `json:"leverage"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Parse reads a decision from model output. Markdown code fences and text
// around the JSON object are tolerated.
func Parse(content string) (trade.Decision, error) {
	body := extractObject(content)
	if body == "" {
		return trade.Decision{}, fmt.Errorf("%w: no JSON object found", ErrMalformedDecision)
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return trade.Decision{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}

	action, ok := trade.ParseAction(strings.TrimSpace(raw.Action))
	if !ok {
		return trade.Decision{}, fmt.Errorf("%w: unknown action %q", ErrMalformedDecision, raw.Action)
	}

	d := trade.Decision{
		Action:     action,
		Asset:      strings.TrimSpace(raw.Asset),
		Size:       raw.Size,
		Leverage:   raw.Leverage,
		Confidence: raw.Confidence,
		Reasoning:  strings.TrimSpace(raw.Reasoning),
	}
	if err := d.Validate(); err != nil {
		return trade.Decision{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	return d, nil
}

func extractObject(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
