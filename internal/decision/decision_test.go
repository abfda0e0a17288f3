package decision

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentfi/agentfi-runner/internal/agent"
	"github.com/agentfi/agentfi-runner/internal/llm"
	"github.com/agentfi/agentfi-runner/internal/market"
	"github.com/agentfi/agentfi-runner/internal/trade"
)

type mockLLM struct {
	content string
	err     error
	calls   int
	last    llm.ChatRequest
}

func (m *mockLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.calls++
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	return &llm.ChatResponse{Content: m.content}, nil
}

type mockTools struct {
	values map[string]any
	calls  []string
}

func (m *mockTools) CallToolByName(_ context.Context, name string, _ map[string]any) (any, error) {
	m.calls = append(m.calls, name)
	v, ok := m.values[name]
	if !ok {
		return nil, errors.New("tool not found")
	}
	return v, nil
}

func snapshot(data map[string]any) market.Snapshot {
	return market.Snapshot{Asset: "BTC", Data: data}
}

func TestDecideUsesModelOutput(t *testing.T) {
	m := &mockLLM{content: "```json\n{\"action\":\"LONG\",\"size\":0.5,\"leverage\":2,\"confidence\":0.8,\"reasoning\":\"breakout\"}\n```"}
	d := NewDecider(m, nil)

	cfg := agent.Config{
		ID:             "a1",
		Asset:          "BTC",
		StrategyPrompt: "trade breakouts",
		LLMParams:      agent.LLMParams{Model: "gpt-4o-mini", Temperature: 0.4, MaxTokens: 300},
	}
	got, err := d.Decide(context.Background(), cfg, snapshot(map[string]any{"get_price": 100.0}))
	require.NoError(t, err)
	require.Equal(t, trade.ActionLong, got.Action)
	require.Equal(t, "BTC", got.Asset)
	require.Equal(t, 0.8, got.Confidence)

	require.Equal(t, 1, m.calls)
	require.Equal(t, "gpt-4o-mini", m.last.Model)
	require.Equal(t, 0.4, m.last.Temperature)
	require.Equal(t, 300, m.last.MaxTokens)
	require.True(t, m.last.JSONMode)
	require.Len(t, m.last.Messages, 2)
	require.Contains(t, m.last.Messages[1].Content, "trade breakouts")
	require.Contains(t, m.last.Messages[1].Content, "get_price")
}

func TestDecideFastPathUnmetSkipsModel(t *testing.T) {
	m := &mockLLM{content: `{"action":"long","size":1,"confidence":0.9}`}
	tools := &mockTools{values: map[string]any{"get_rsi": map[string]any{"value": 55.0}}}
	d := NewDecider(m, tools)

	cfg := agent.Config{ID: "a1", Asset: "BTC", StrategyPrompt: "Go long when RSI < 30"}
	got, err := d.Decide(context.Background(), cfg, snapshot(map[string]any{}))
	require.NoError(t, err)
	require.Equal(t, trade.ActionHold, got.Action)
	require.Contains(t, got.Reasoning, "RSI < 30")
	require.Zero(t, m.calls)
	require.Equal(t, []string{"get_rsi"}, tools.calls)
}

func TestDecideFastPathPrefersSnapshot(t *testing.T) {
	m := &mockLLM{content: `{"action":"long","size":1,"confidence":0.9}`}
	tools := &mockTools{}
	d := NewDecider(m, tools)

	cfg := agent.Config{ID: "a1", Asset: "BTC", StrategyPrompt: "long if price > 50000"}
	got, err := d.Decide(context.Background(), cfg, snapshot(map[string]any{"get_price": 61000.0}))
	require.NoError(t, err)
	require.Equal(t, trade.ActionLong, got.Action)
	require.Empty(t, tools.calls)
	require.Equal(t, 1, m.calls)
	require.Contains(t, m.last.Messages[1].Content, "PRICE > 50000")
}

func TestDecideFastPathErrorFallsBackToModel(t *testing.T) {
	m := &mockLLM{content: `{"action":"hold","confidence":0.3}`}
	d := NewDecider(m, &mockTools{})

	cfg := agent.Config{ID: "a1", Asset: "ETH", StrategyPrompt: "short when ATR > 5"}
	got, err := d.Decide(context.Background(), cfg, market.Snapshot{Asset: "ETH"})
	require.NoError(t, err)
	require.Equal(t, trade.ActionHold, got.Action)
	require.Equal(t, "ETH", got.Asset)
	require.Equal(t, 1, m.calls)
}

func TestDecideModelError(t *testing.T) {
	d := NewDecider(&mockLLM{err: errors.New("rate limited")}, nil)
	_, err := d.Decide(context.Background(), agent.Config{ID: "a1", Asset: "BTC"}, snapshot(nil))
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limited")
}

func TestParseRejectsMalformedOutput(t *testing.T) {
	cases := map[string]string{
		"prose":           "I think you should buy",
		"broken json":     `{"action": "long", "size": }`,
		"unknown action":  `{"action":"yolo","size":1,"confidence":0.5}`,
		"confidence > 1":  `{"action":"long","size":1,"confidence":3}`,
		"zero size trade": `{"action":"short","size":0,"confidence":0.7}`,
		"empty":           "",
		"reversed braces": "} nope {",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(content)
			require.ErrorIs(t, err, ErrMalformedDecision)
		})
	}
}

func TestParseToleratesSurroundingText(t *testing.T) {
	d, err := Parse("Here is my decision: {\"action\":\"sell\",\"asset\":\"ETH\",\"size\":2,\"confidence\":0.65,\"reasoning\":\" overbought \"} good luck")
	require.NoError(t, err)
	require.Equal(t, trade.ActionShort, d.Action)
	require.Equal(t, "ETH", d.Asset)
	require.Equal(t, "overbought", d.Reasoning)
}

func TestBuildPromptIncludesLimits(t *testing.T) {
	cfg := agent.Config{
		Asset:          "SOL",
		StrategyPrompt: "scalp",
		RiskParams:     agent.RiskParams{MaxTradeSize: 10, MaxLeverage: 3},
	}
	p, err := buildPrompt(cfg, market.Snapshot{Asset: "SOL"}, nil)
	require.NoError(t, err)
	require.True(t, strings.Contains(p, "max size 10, max leverage 3"), p)
}
