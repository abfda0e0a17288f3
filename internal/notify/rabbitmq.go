package notify

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/agentfi/agentfi-runner/internal/engine"
	"github.com/agentfi/agentfi-runner/internal/trade"
	"github.com/agentfi/agentfi-runner/pkg/config"
)

const defaultQueue = "agentfi.trade_logs"

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher writes events to a durable queue.
type RabbitMQPublisher struct {
	conn  *amqp.Connection
	ch    amqpChannel
	queue string
}

// NewRabbitMQPublisher dials cfg.URL and declares the durable queue.
func NewRabbitMQPublisher(cfg config.RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("notify: rabbitmq url is empty")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = defaultQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("notify: dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("notify: declare queue %s: %w", queue, err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *RabbitMQPublisher) PublishTradeLog(ctx context.Context, l trade.Log) error {
	return p.publish(ctx, EventTradeLog, l.AgentID, l)
}

func (p *RabbitMQPublisher) PublishRunnerState(ctx context.Context, s engine.AgentRunnerState) error {
	return p.publish(ctx, EventRunnerState, s.AgentID, s)
}

func (p *RabbitMQPublisher) publish(ctx context.Context, typ, agentID string, payload any) error {
	if p == nil || p.ch == nil {
		return errors.New("notify: rabbitmq publisher not initialized")
	}
	body, err := newEvent(typ, agentID, payload)
	if err != nil {
		return err
	}
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         typ,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("notify: rabbitmq publish: %w", err)
	}
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
