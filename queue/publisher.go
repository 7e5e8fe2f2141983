package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ContentType labels published batch payloads.
const ContentType = "application/x-msgpack"

// Publisher sends encoded batches to the work queue.
type Publisher struct {
	cfg    Config
	logger *zap.Logger
	dial   Dialer
}

// NewPublisher builds a publisher for cfg.
func NewPublisher(cfg Config, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{cfg: cfg, logger: logger.Named("publisher"), dial: dialAMQP}
}

// Publish declares the queue exactly as the consumer does and publishes one
// persistent message.
func (p *Publisher) Publish(ctx context.Context, payload []byte) error {
	conn, err := p.dial(p.cfg)
	if err != nil {
		return &ConnectionError{Op: "dial", Err: err}
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return &ConnectionError{Op: "open channel", Err: err}
	}
	defer ch.Close()

	if err := declareQueues(ch, p.cfg); err != nil {
		return &ConnectionError{Op: "declare", Err: err}
	}

	msg := amqp.Publishing{
		ContentType:  ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		AppId:        p.cfg.ServiceName,
		Body:         payload,
	}
	if err := ch.PublishWithContext(ctx, "", p.cfg.Queue, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	p.logger.Info("batch published", zap.String("queue", p.cfg.Queue), zap.Int("bytes", len(payload)))
	return nil
}
