package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentfi/agentfi-runner/internal/engine"
	"github.com/agentfi/agentfi-runner/internal/trade"
)

const (
	TradeLogChannel   = "agentfi:trade_logs"
	runnerStatePrefix = "agentfi:runner:"
)

// redisCmdable is the part of *redis.Client the publisher uses.
type redisCmdable interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisPublisher publishes trade logs on a pub/sub channel and keeps the
// latest runner state per agent under a TTL'd key.
type RedisPublisher struct {
	rdb redisCmdable
	ttl time.Duration
}

func NewRedisPublisher(rdb redisCmdable, stateTTL time.Duration) *RedisPublisher {
	if stateTTL <= 0 {
		stateTTL = 5 * time.Minute
	}
	return &RedisPublisher{rdb: rdb, ttl: stateTTL}
}

// RunnerStateKey is the key holding the latest runner state of agentID.
func RunnerStateKey(agentID string) string { return runnerStatePrefix + agentID }

func (p *RedisPublisher) PublishTradeLog(ctx context.Context, l trade.Log) error {
	msg, err := newEvent(EventTradeLog, l.AgentID, l)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, TradeLogChannel, msg).Err(); err != nil {
		return fmt.Errorf("notify: redis publish: %w", err)
	}
	return nil
}

func (p *RedisPublisher) PublishRunnerState(ctx context.Context, s engine.AgentRunnerState) error {
	msg, err := newEvent(EventRunnerState, s.AgentID, s)
	if err != nil {
		return err
	}
	if err := p.rdb.Set(ctx, RunnerStateKey(s.AgentID), msg, p.ttl).Err(); err != nil {
		return fmt.Errorf("notify: redis set runner state: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error { return p.rdb.Close() }
