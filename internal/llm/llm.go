// Package llm is a small client for OpenAI-compatible chat completion
// endpoints. Per-request model parameters fall back to the configured
// defaults when left zero.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agentfi/agentfi-runner/pkg/config"
)

const maxResponseBytes = 4 << 20

var ErrEmptyResponse = errors.New("llm: response has no choices")

// Client sends chat completions.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// ChatRequest is the input for a chat completion call. Zero values for
// Model, Temperature and MaxTokens use the client defaults.
type ChatRequest struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []Message
	// JSONMode asks the provider to constrain output to a JSON object.
	JSONMode bool
}

type ChatResponse struct {
	Content string     `json:"content"`
	Model   string     `json:"model"`
	Usage   TokenUsage `json:"usage"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StatusError is a non-200 reply from the provider.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: api returned status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the provider asked us to come back later.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// OpenAIClient implements Client against the Chat Completions API shape,
// which most hosted and self-hosted providers expose.
type OpenAIClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	defaults   config.LLMConfig
	attempts   int
	backoff    time.Duration
}

func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	base := strings.TrimRight(cfg.APIURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		endpoint:   base + "/chat/completions",
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		defaults:   cfg,
		attempts:   3,
		backoff:    500 * time.Millisecond,
	}
}

// Chat posts the request to {api_url}/chat/completions. Rate limits and
// provider 5xx replies are retried with linear backoff while ctx allows.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	wire := c.wireRequest(req)
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	start := time.Now()
	var apiResp *openAIResponse
	for attempt := 1; ; attempt++ {
		apiResp, err = c.post(ctx, body)
		var se *StatusError
		if err == nil || !errors.As(err, &se) || !se.Retryable() || attempt >= c.attempts {
			break
		}
		slog.Warn("llm: retrying",
			slog.Int("status", se.Status),
			slog.Int("attempt", attempt),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("llm: %w (last: %v)", ctx.Err(), err)
		case <-time.After(time.Duration(attempt) * c.backoff):
		}
	}
	if err != nil {
		return nil, err
	}
	if len(apiResp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	result := &ChatResponse{
		Content: apiResp.Choices[0].Message.Content,
		Model:   wire.Model,
		Usage:   apiResp.Usage,
	}
	slog.Info("llm: chat response",
		slog.String("model", wire.Model),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.Int("total_tokens", result.Usage.TotalTokens),
	)
	return result, nil
}

func (c *OpenAIClient) wireRequest(req ChatRequest) openAIRequest {
	w := openAIRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    req.Messages,
	}
	if w.Model == "" {
		w.Model = c.defaults.Model
	}
	if w.Temperature == 0 {
		w.Temperature = c.defaults.Temperature
	}
	if w.MaxTokens == 0 {
		w.MaxTokens = c.defaults.MaxTokens
	}
	if req.JSONMode {
		w.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return w
}

func (c *OpenAIClient) post(ctx context.Context, body []byte) (*openAIResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode, Body: truncate(string(raw), 200)}
	}

	var out openAIResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("llm: unmarshal response: %w", err)
	}
	return &out, nil
}

type openAIRequest struct {
	Model          string          `json:"model"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Messages       []Message       `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   TokenUsage     `json:"usage"`
}

type openAIChoice struct {
	Message Message `json:"message"`
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
