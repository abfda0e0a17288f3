// Package notify fans tick results and runner-state changes out to other
// services. Delivery is best effort; the runner never waits on a consumer.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentfi/agentfi-runner/internal/engine"
	"github.com/agentfi/agentfi-runner/internal/trade"
	"github.com/agentfi/agentfi-runner/pkg/config"
)

const (
	EventTradeLog    = "trade_log"
	EventRunnerState = "runner_state"
)

// Publisher is an engine.EventPublisher that owns a connection.
type Publisher interface {
	engine.EventPublisher
	Close() error
}

// Event is the envelope written to every transport.
type Event struct {
	Type    string          `json:"type"`
	AgentID string          `json:"agentId"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

func newEvent(typ, agentID string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("notify: marshal %s: %w", typ, err)
	}
	return json.Marshal(Event{Type: typ, AgentID: agentID, At: time.Now().UTC(), Payload: raw})
}

// Open builds the publisher selected by cfg.Notify.Driver. The redis driver
// reuses rdb when it is non-nil.
func Open(cfg *config.Config, rdb *redis.Client) (Publisher, error) {
	switch cfg.Notify.Driver {
	case "redis":
		if rdb == nil {
			opts, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				return nil, fmt.Errorf("notify: parse redis url: %w", err)
			}
			rdb = redis.NewClient(opts)
		}
		slog.Info("notify: using redis", slog.String("channel", TradeLogChannel))
		return NewRedisPublisher(rdb, time.Duration(cfg.Notify.StateTTLSec)*time.Second), nil
	case "rabbitmq":
		p, err := NewRabbitMQPublisher(cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		slog.Info("notify: using rabbitmq", slog.String("queue", p.queue))
		return p, nil
	default:
		return Noop{}, nil
	}
}

// Noop discards every event.
type Noop struct{}

func (Noop) PublishTradeLog(context.Context, trade.Log) error                  { return nil }
func (Noop) PublishRunnerState(context.Context, engine.AgentRunnerState) error { return nil }
func (Noop) Close() error                                                      { return nil }
