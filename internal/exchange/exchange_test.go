package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentfi/agentfi-runner/internal/agent"
	"github.com/agentfi/agentfi-runner/internal/risk"
	"github.com/agentfi/agentfi-runner/internal/trade"
	"github.com/agentfi/agentfi-runner/pkg/clock"
	"github.com/agentfi/agentfi-runner/pkg/config"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubRisk struct {
	verdict  *risk.Decision
	err      error
	recorded []string
}

func (s *stubRisk) Check(context.Context, agent.Config, trade.Decision) (*risk.Decision, error) {
	return s.verdict, s.err
}

func (s *stubRisk) RecordTrade(agentID string) { s.recorded = append(s.recorded, agentID) }

func longBTC() trade.Decision {
	return trade.Decision{Action: trade.ActionLong, Asset: "BTC", Size: 0.25, Leverage: 3, Confidence: 0.8}
}

func TestSubmitOrderSignsAndParsesFill(t *testing.T) {
	secret := "s3cret"
	var got orderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/orders", r.URL.Path)
		require.Equal(t, "key-1", r.Header.Get("X-API-KEY"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		ts := r.Header.Get("X-TIMESTAMP")
		require.Equal(t, "1772366400000", ts)
		require.Equal(t, Sign([]byte(secret), ts, http.MethodPost, "/orders", body), r.Header.Get("X-SIGNATURE"))
		require.NoError(t, json.Unmarshal(body, &got))

		w.Write([]byte(`{"order_id":"ord-9","status":"filled","filled_size":0.25,"avg_price":64000.5}`))
	}))
	defer srv.Close()

	rc := &stubRisk{verdict: &risk.Decision{Approved: true}}
	ex := NewExecutor(config.ExchangeConfig{BaseURL: srv.URL + "/", APIKey: "key-1", APISecret: secret}, rc, clock.NewFake(testNow))

	res, err := ex.SubmitOrder(context.Background(), agent.Config{ID: "a1", Asset: "BTC"}, longBTC())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "ord-9", res.OrderID)
	require.Equal(t, 64000.5, res.AvgPrice)

	require.Equal(t, "buy", got.Side)
	require.Equal(t, "market", got.Type)
	require.Equal(t, "a1", got.AgentID)
	require.NotEmpty(t, got.ClientOrderID)
	require.Equal(t, []string{"a1"}, rc.recorded)
}

func TestSubmitOrderRiskRejected(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	rc := &stubRisk{verdict: &risk.Decision{Approved: false, Reason: "leverage_exceeded: 3 > limit 2"}}
	ex := NewExecutor(config.ExchangeConfig{BaseURL: srv.URL}, rc, clock.NewFake(testNow))

	res, err := ex.SubmitOrder(context.Background(), agent.Config{ID: "a1"}, longBTC())
	require.ErrorIs(t, err, ErrRiskRejected)
	var oe *OrderError
	require.True(t, errors.As(err, &oe))
	require.Equal(t, "RISK_REJECTED", oe.Code)
	require.False(t, res.Success)
	require.False(t, called)
	require.Empty(t, rc.recorded)
}

func TestSubmitOrderRiskAuditFailureStillTrades(t *testing.T) {
	rc := &stubRisk{verdict: &risk.Decision{Approved: true}, err: errors.New("db down")}
	ex := NewExecutor(config.ExchangeConfig{}, rc, clock.NewFake(testNow))

	res, err := ex.SubmitOrder(context.Background(), agent.Config{ID: "a1"}, longBTC())
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestSubmitOrderGatewayRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"INSUFFICIENT_MARGIN","message":"not enough margin"}}`))
	}))
	defer srv.Close()

	ex := NewExecutor(config.ExchangeConfig{BaseURL: srv.URL}, nil, clock.NewFake(testNow))
	res, err := ex.SubmitOrder(context.Background(), agent.Config{ID: "a1"}, longBTC())
	require.ErrorIs(t, err, ErrOrderRejected)

	var oe *OrderError
	require.True(t, errors.As(err, &oe))
	require.Equal(t, http.StatusUnprocessableEntity, oe.HTTPStatus)
	require.Equal(t, "INSUFFICIENT_MARGIN", oe.Code)
	require.Equal(t, "not enough margin", res.Error)
}

func TestSubmitOrderCanceledStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"order_id":"ord-1","status":"canceled","reason":"post only"}`))
	}))
	defer srv.Close()

	rc := &stubRisk{verdict: &risk.Decision{Approved: true}}
	ex := NewExecutor(config.ExchangeConfig{BaseURL: srv.URL}, rc, clock.NewFake(testNow))
	res, err := ex.SubmitOrder(context.Background(), agent.Config{ID: "a1"}, longBTC())
	require.ErrorIs(t, err, ErrOrderRejected)
	require.False(t, res.Success)
	require.Equal(t, "ord-1", res.OrderID)
	require.Empty(t, rc.recorded)
}

func TestSubmitOrderPaperTrading(t *testing.T) {
	ex := NewExecutor(config.ExchangeConfig{}, nil, clock.NewFake(testNow))
	require.True(t, ex.Paper())

	d := longBTC()
	d.Action = trade.ActionShort
	res, err := ex.SubmitOrder(context.Background(), agent.Config{ID: "a1"}, d)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "simulated", res.Status)
	require.Equal(t, d.Size, res.FilledSize)
}

func TestSubmitOrderRejectsHold(t *testing.T) {
	ex := NewExecutor(config.ExchangeConfig{}, nil, clock.NewFake(testNow))
	_, err := ex.SubmitOrder(context.Background(), agent.Config{ID: "a1"}, trade.Hold("BTC", "wait"))
	require.ErrorIs(t, err, ErrNotTradable)
}
