// Package exchange submits approved trade decisions as orders. Each decision
// passes the risk rule chain first; approved orders are sent to a REST
// exchange gateway signed with HMAC-SHA256. Without a configured gateway the
// executor paper-trades and reports simulated fills.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/agentfi/agentfi-runner/internal/agent"
	"github.com/agentfi/agentfi-runner/internal/risk"
	"github.com/agentfi/agentfi-runner/internal/trade"
	"github.com/agentfi/agentfi-runner/pkg/clock"
	"github.com/agentfi/agentfi-runner/pkg/config"
)

const (
	ordersPath       = "/orders"
	maxResponseBytes = 1 << 20
)

var (
	ErrRiskRejected  = errors.New("exchange: rejected by risk controls")
	ErrOrderRejected = errors.New("exchange: order rejected")
	ErrNotTradable   = errors.New("exchange: decision is not tradable")
)

// OrderError describes an order that was not placed.
type OrderError struct {
	// HTTPStatus is zero for rejections that never reached the gateway.
	HTTPStatus int
	Code       string
	Message    string
	kind       error
}

func (e *OrderError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%v: %s (%s, http %d)", e.kind, e.Message, e.Code, e.HTTPStatus)
	}
	return fmt.Sprintf("%v: %s", e.kind, e.Message)
}

func (e *OrderError) Unwrap() error { return e.kind }

// RiskChecker is the pre-trade rule chain.
type RiskChecker interface {
	Check(ctx context.Context, cfg agent.Config, d trade.Decision) (*risk.Decision, error)
	RecordTrade(agentID string)
}

// Executor implements the order submission step.
type Executor struct {
	baseURL    string
	apiKey     string
	apiSecret  []byte
	httpClient *http.Client
	risk       RiskChecker
	clk        clock.Clock
}

// NewExecutor creates an Executor. An empty cfg.BaseURL selects paper trading.
func NewExecutor(cfg config.ExchangeConfig, rc RiskChecker, clk clock.Clock) *Executor {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Executor{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		apiSecret:  []byte(cfg.APISecret),
		httpClient: &http.Client{Timeout: timeout},
		risk:       rc,
		clk:        clk,
	}
}

// Paper reports whether orders are simulated.
func (e *Executor) Paper() bool { return e.baseURL == "" }

type orderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	AgentID       string  `json:"agent_id"`
	Asset         string  `json:"asset"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Size          float64 `json:"size"`
	Leverage      float64 `json:"leverage,omitempty"`
}

type orderResponse struct {
	OrderID    string  `json:"order_id"`
	Status     string  `json:"status"`
	FilledSize float64 `json:"filled_size"`
	AvgPrice   float64 `json:"avg_price"`
	Reason     string  `json:"reason,omitempty"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SubmitOrder risk-checks d and places a market order for it.
func (e *Executor) SubmitOrder(ctx context.Context, cfg agent.Config, d trade.Decision) (trade.ExecutionResult, error) {
	side, ok := sideFor(d.Action)
	if !ok || d.Size <= 0 {
		return trade.ExecutionResult{}, &OrderError{Code: "NOT_TRADABLE", Message: fmt.Sprintf("action %q size %g", d.Action, d.Size), kind: ErrNotTradable}
	}

	if e.risk != nil {
		verdict, err := e.risk.Check(ctx, cfg, d)
		if err != nil {
			// The verdict is still valid when only the audit write failed.
			slog.Error("exchange: risk audit failed",
				slog.String("agent_id", cfg.ID),
				slog.String("error", err.Error()),
			)
		}
		if verdict == nil {
			return trade.ExecutionResult{}, fmt.Errorf("exchange: risk check: %w", err)
		}
		if !verdict.Approved {
			return trade.ExecutionResult{Status: "risk_rejected", Error: verdict.Reason},
				&OrderError{Code: "RISK_REJECTED", Message: verdict.Reason, kind: ErrRiskRejected}
		}
	}

	req := orderRequest{
		ClientOrderID: uuid.NewString(),
		AgentID:       cfg.ID,
		Asset:         d.Asset,
		Side:          side,
		Type:          "market",
		Size:          d.Size,
		Leverage:      d.Leverage,
	}

	var (
		res trade.ExecutionResult
		err error
	)
	if e.Paper() {
		res = trade.ExecutionResult{Success: true, OrderID: req.ClientOrderID, Status: "simulated", FilledSize: req.Size}
	} else {
		res, err = e.post(ctx, req)
	}
	if err != nil {
		slog.Warn("exchange: order failed",
			slog.String("agent_id", cfg.ID),
			slog.String("client_order_id", req.ClientOrderID),
			slog.String("error", err.Error()),
		)
		return res, err
	}

	if e.risk != nil {
		e.risk.RecordTrade(cfg.ID)
	}
	slog.Info("exchange: order placed",
		slog.String("agent_id", cfg.ID),
		slog.String("order_id", res.OrderID),
		slog.String("side", side),
		slog.String("asset", d.Asset),
		slog.Float64("size", d.Size),
		slog.String("status", res.Status),
	)
	return res, nil
}

func (e *Executor) post(ctx context.Context, order orderRequest) (trade.ExecutionResult, error) {
	body, err := json.Marshal(order)
	if err != nil {
		return trade.ExecutionResult{}, fmt.Errorf("exchange: marshal order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+ordersPath, bytes.NewReader(body))
	if err != nil {
		return trade.ExecutionResult{}, fmt.Errorf("exchange: create request: %w", err)
	}
	ts := strconv.FormatInt(e.clk.Now().UnixMilli(), 10)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-KEY", e.apiKey)
	httpReq.Header.Set("X-TIMESTAMP", ts)
	httpReq.Header.Set("X-SIGNATURE", Sign(e.apiSecret, ts, http.MethodPost, ordersPath, body))

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return trade.ExecutionResult{}, fmt.Errorf("exchange: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return trade.ExecutionResult{}, fmt.Errorf("exchange: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		oe := &OrderError{HTTPStatus: resp.StatusCode, Code: "HTTP_ERROR", Message: truncate(string(respBody), 200), kind: ErrOrderRejected}
		var er errorResponse
		if json.Unmarshal(respBody, &er) == nil && er.Error.Code != "" {
			oe.Code = er.Error.Code
			oe.Message = er.Error.Message
		}
		return trade.ExecutionResult{Status: "rejected", Error: oe.Message}, oe
	}

	var out orderResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return trade.ExecutionResult{}, fmt.Errorf("exchange: unmarshal response: %w", err)
	}
	res := trade.ExecutionResult{
		OrderID:    out.OrderID,
		Status:     out.Status,
		FilledSize: out.FilledSize,
		AvgPrice:   out.AvgPrice,
	}
	switch strings.ToLower(out.Status) {
	case "rejected", "canceled", "cancelled", "expired":
		res.Error = out.Reason
		return res, &OrderError{HTTPStatus: resp.StatusCode, Code: strings.ToUpper(out.Status), Message: out.Reason, kind: ErrOrderRejected}
	}
	res.Success = true
	return res, nil
}

// Sign returns the hex HMAC-SHA256 of timestamp, method, path and body.
func Sign(secret []byte, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func sideFor(a trade.Action) (string, bool) {
	switch a {
	case trade.ActionLong:
		return "buy", true
	case trade.ActionShort:
		return "sell", true
	}
	return "", false
}

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
