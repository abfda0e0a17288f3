// Package market builds the per-tick market context handed to the decision
// step from the configured MCP data tools.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentfi/agentfi-runner/internal/agent"
)

// ErrNoData is returned when every tool call failed.
var ErrNoData = errors.New("market: no market data available")

// ToolCaller routes a named tool call to whichever server provides it.
type ToolCaller interface {
	CallToolByName(ctx context.Context, toolName string, args map[string]any) (any, error)
}

// Snapshot is the market context for one tick.
type Snapshot struct {
	Asset string         `json:"asset"`
	At    time.Time      `json:"at"`
	Data  map[string]any `json:"data"`
	// Errors holds per-tool failures; a snapshot with some errors is still usable.
	Errors map[string]string `json:"errors,omitempty"`
}

// Builder calls every configured tool concurrently for the agent's asset.
type Builder struct {
	tools          ToolCaller
	names          []string
	now            func() time.Time
	perCallTimeout time.Duration
}

// NewBuilder creates a Builder that calls toolNames through tools.
func NewBuilder(tools ToolCaller, toolNames []string) *Builder {
	return &Builder{
		tools:          tools,
		names:          toolNames,
		now:            time.Now,
		perCallTimeout: 10 * time.Second,
	}
}

// Build returns a snapshot for cfg.Asset. Individual tool failures are kept
// in Snapshot.Errors; ErrNoData is returned only when nothing succeeded.
func (b *Builder) Build(ctx context.Context, cfg agent.Config) (Snapshot, error) {
	snap := Snapshot{
		Asset:  cfg.Asset,
		At:     b.now().UTC(),
		Data:   make(map[string]any, len(b.names)),
		Errors: make(map[string]string),
	}
	if len(b.names) == 0 {
		return snap, nil
	}

	type result struct {
		name string
		val  any
		err  error
	}
	results := make([]result, len(b.names))
	var wg sync.WaitGroup
	for i, name := range b.names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, b.perCallTimeout)
			defer cancel()
			v, err := b.tools.CallToolByName(callCtx, name, map[string]any{"asset": cfg.Asset})
			results[i] = result{name: name, val: v, err: err}
		}(i, name)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			snap.Errors[r.name] = r.err.Error()
			slog.Warn("market: tool call failed",
				slog.String("agent_id", cfg.ID),
				slog.String("tool", r.name),
				slog.String("error", r.err.Error()),
			)
			continue
		}
		snap.Data[r.name] = r.val
	}

	if len(snap.Data) == 0 {
		return snap, fmt.Errorf("%w for %s (%d tools failed)", ErrNoData, cfg.Asset, len(snap.Errors))
	}
	return snap, nil
}
