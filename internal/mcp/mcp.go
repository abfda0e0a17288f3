// Package mcp provides MCP client connections, manager, and circuit breaker.
// The runner uses configured MCP servers as its market-data source.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentfi/agentfi-runner/pkg/config"
)

// Errors returned by the MCP package.
var (
	ErrServerUnavailable = errors.New("mcp: server unavailable (circuit open)")
	ErrHealthCheck       = errors.New("mcp: health check failed")
	ErrInvalidURL        = errors.New("mcp: invalid server URL")
	ErrToolNotFound      = errors.New("mcp: tool not found")
	ErrCallFailed        = errors.New("mcp: tool call failed")
	ErrNotFound          = errors.New("mcp: server not found")
)

// ToolDefinition describes a tool exposed by an MCP Server.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Client defines the interface for communicating with a single MCP Server.
type Client interface {
	// CallTool invokes a named tool on the MCP Server.
	CallTool(ctx context.Context, toolName string, args map[string]any) (any, error)
	// ListTools returns the tool definitions advertised by the server.
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	// HealthCheck pings the server; returns nil if healthy.
	HealthCheck(ctx context.Context) error
}

// --- JSON-RPC types ---

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// --- HTTP MCP Client ---

// HTTPClient implements Client using JSON-RPC over HTTP.
type HTTPClient struct {
	serverURL  string
	httpClient *http.Client
	nextID     atomic.Int64
}

// NewHTTPClient creates a new HTTP-based MCP Client.
func NewHTTPClient(serverURL string) *HTTPClient {
	return &HTTPClient{
		serverURL: serverURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// CallTool invokes a tool via JSON-RPC POST.
func (c *HTTPClient) CallTool(ctx context.Context, toolName string, args map[string]any) (any, error) {
	params := map[string]any{
		"name":      toolName,
		"arguments": args,
	}
	resp, err := c.rpc(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallFailed, err)
	}
	var result any
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("mcp: unmarshal tool result: %w", err)
	}
	return result, nil
}

// ListTools retrieves tool definitions via JSON-RPC.
func (c *HTTPClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := c.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools: %w", err)
	}
	var wrapper struct {
		Tools []ToolDefinition `json:"tools"`
	}
	if err := json.Unmarshal(resp, &wrapper); err != nil {
		return nil, fmt.Errorf("mcp: unmarshal tools: %w", err)
	}
	return wrapper.Tools, nil
}

// HealthCheck sends a ping JSON-RPC call.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	_, err := c.rpc(ctx, "ping", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHealthCheck, err)
	}
	return nil
}

// rpc sends a JSON-RPC request and returns the result bytes.
func (c *HTTPClient) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("mcp: server returned %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("mcp: invalid JSON-RPC response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcp: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// --- Circuit Breaker ---

// CircuitState represents the state of a circuit breaker.
type CircuitState int32

const (
	CircuitClosed   CircuitState = iota // healthy
	CircuitOpen                         // unavailable, reject calls
	CircuitHalfOpen                     // probing, allow one call to test recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	failureThreshold = 3 // consecutive failures before opening
)

// circuitBreaker tracks health for a single MCP Server.
type circuitBreaker struct {
	state    atomic.Int32 // CircuitState
	failures atomic.Int32
}

func newCircuitBreaker() *circuitBreaker {
	cb := &circuitBreaker{}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// State returns the current circuit state.
func (cb *circuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// RecordSuccess resets failures and closes the circuit.
func (cb *circuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitClosed))
}

// RecordFailure increments failures; opens the circuit after threshold.
func (cb *circuitBreaker) RecordFailure() CircuitState {
	n := cb.failures.Add(1)
	if n >= int32(failureThreshold) {
		cb.state.Store(int32(CircuitOpen))
	}
	return CircuitState(cb.state.Load())
}

// TryHalfOpen transitions from open to half-open for a probe attempt.
// Returns true if the transition succeeded.
func (cb *circuitBreaker) TryHalfOpen() bool {
	return cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen))
}

// --- MCP Manager ---

type server struct {
	name    string
	url     string
	client  Client
	breaker *circuitBreaker
	tools   []ToolDefinition
}

// ServerStatus is a point-in-time view of one managed server.
type ServerStatus struct {
	Name    string           `json:"name"`
	URL     string           `json:"url"`
	Circuit string           `json:"circuit"`
	Tools   []ToolDefinition `json:"tools"`
}

// Manager routes tool calls to the configured MCP servers, tracking a circuit
// breaker per server.
type Manager struct {
	mu       sync.RWMutex
	servers  map[string]*server
	toolsIdx map[string]string // tool name -> server name
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Manager with an HTTP client for every configured
// server. Invalid URLs are rejected.
func NewManager(cfgs []config.MCPServerConfig) (*Manager, error) {
	m := &Manager{
		servers:  make(map[string]*server),
		toolsIdx: make(map[string]string),
		stopCh:   make(chan struct{}),
	}
	for _, c := range cfgs {
		if err := ValidateURL(c.URL); err != nil {
			return nil, fmt.Errorf("mcp: server %q: %w", c.Name, err)
		}
		m.AddClient(c.Name, c.URL, NewHTTPClient(c.URL))
	}
	return m, nil
}

// AddClient registers a client under name, replacing any previous one.
func (m *Manager) AddClient(name, rawURL string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[name] = &server{name: name, url: rawURL, client: client, breaker: newCircuitBreaker()}
}

// Discover asks every server for its tools and rebuilds the routing index.
// A server that fails discovery is skipped and counts as a breaker failure.
func (m *Manager) Discover(ctx context.Context) error {
	m.mu.RLock()
	srvs := make([]*server, 0, len(m.servers))
	for _, s := range m.servers {
		srvs = append(srvs, s)
	}
	m.mu.RUnlock()
	sort.Slice(srvs, func(i, j int) bool { return srvs[i].name < srvs[j].name })

	idx := make(map[string]string)
	var errs []error
	for _, s := range srvs {
		listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		tools, err := s.client.ListTools(listCtx)
		cancel()
		if err != nil {
			s.breaker.RecordFailure()
			slog.Warn("mcp: discover tools failed", slog.String("server", s.name), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		s.breaker.RecordSuccess()
		m.mu.Lock()
		s.tools = tools
		m.mu.Unlock()
		for _, t := range tools {
			if _, taken := idx[t.Name]; !taken {
				idx[t.Name] = s.name
			}
		}
	}

	m.mu.Lock()
	m.toolsIdx = idx
	m.mu.Unlock()

	slog.Info("mcp: discovery complete", slog.Int("servers", len(srvs)), slog.Int("tools", len(idx)))
	return errors.Join(errs...)
}

// CallTool routes a tool call through the named server, respecting its circuit breaker.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (any, error) {
	m.mu.RLock()
	s := m.servers[serverName]
	m.mu.RUnlock()

	if s == nil {
		return nil, ErrNotFound
	}
	if s.breaker.State() == CircuitOpen {
		return nil, ErrServerUnavailable
	}

	result, err := s.client.CallTool(ctx, toolName, args)
	if err != nil {
		s.breaker.RecordFailure()
		return nil, err
	}
	s.breaker.RecordSuccess()
	return result, nil
}

// CallToolByName routes a tool call to whichever server advertised the tool
// during Discover. With a single configured server the call goes there
// even if discovery never ran.
func (m *Manager) CallToolByName(ctx context.Context, toolName string, args map[string]any) (any, error) {
	m.mu.RLock()
	serverName, ok := m.toolsIdx[toolName]
	if !ok && len(m.servers) == 1 {
		for name := range m.servers {
			serverName, ok = name, true
		}
	}
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}
	return m.CallTool(ctx, serverName, toolName, args)
}

// ToolDefinitions returns the discovered tools of every server, sorted by name.
func (m *Manager) ToolDefinitions() []ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []ToolDefinition
	for _, s := range m.servers {
		all = append(all, s.tools...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// Statuses returns a snapshot of every managed server.
func (m *Manager) Statuses() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for _, s := range m.servers {
		tools := s.tools
		if tools == nil {
			tools = []ToolDefinition{}
		}
		out = append(out, ServerStatus{
			Name:    s.name,
			URL:     s.url,
			Circuit: s.breaker.State().String(),
			Tools:   tools,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetBreaker returns the circuit breaker for a server (exposed for testing).
func (m *Manager) GetBreaker(serverName string) *circuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s := m.servers[serverName]; s != nil {
		return s.breaker
	}
	return nil
}

// StartHealthChecks launches a background goroutine that probes every server
// each interval. Three consecutive failures open the circuit; a successful
// probe of an open circuit closes it again.
func (m *Manager) StartHealthChecks(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runHealthChecks(ctx)
			}
		}
	}()
}

// Stop signals the health check goroutine to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// runHealthChecks iterates over all known servers and probes them.
func (m *Manager) runHealthChecks(ctx context.Context) {
	m.mu.RLock()
	srvs := make([]*server, 0, len(m.servers))
	for _, s := range m.servers {
		srvs = append(srvs, s)
	}
	m.mu.RUnlock()

	for _, s := range srvs {
		state := s.breaker.State()

		// For open circuits, try half-open probe.
		if state == CircuitOpen && !s.breaker.TryHalfOpen() {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.client.HealthCheck(checkCtx)
		cancel()

		if err != nil {
			if s.breaker.RecordFailure() == CircuitOpen {
				slog.Warn("mcp: circuit opened", slog.String("server", s.name))
			}
			continue
		}
		if state == CircuitHalfOpen || state == CircuitOpen {
			slog.Info("mcp: circuit recovered", slog.String("server", s.name))
		}
		s.breaker.RecordSuccess()
	}
}

// ValidateURL checks that a string is a valid HTTP(S) URL.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidURL)
	}
	return nil
}
