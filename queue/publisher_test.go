package queue

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

func TestPublishDeclaresLikeConsumer(t *testing.T) {
	ch := newFakeChannel()
	conn := &fakeConnection{ch: ch}
	p := NewPublisher(testQueueConfig(), zap.NewNop())
	p.dial = func(Config) (Connection, error) { return conn, nil }

	if err := p.Publish(context.Background(), []byte{0x90}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.declared) != 2 || ch.declared[1].name != "mail" || ch.declared[1].args["x-dead-letter-routing-key"] != "mail.dead" {
		t.Fatalf("publisher must declare the queue with the consumer's arguments, got %+v", ch.declared)
	}
	if len(ch.published) != 1 || ch.routingKey != "mail" {
		t.Fatalf("expected one message routed to mail, got %d to %q", len(ch.published), ch.routingKey)
	}
	msg := ch.published[0]
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != ContentType {
		t.Fatalf("unexpected publishing %+v", msg)
	}
	if string(msg.Body) != string([]byte{0x90}) {
		t.Fatalf("unexpected body %x", msg.Body)
	}
	if ch.closed != 1 || conn.closedCount() != 1 {
		t.Fatalf("publisher should close its channel and connection")
	}
}

func TestPublishDialFailure(t *testing.T) {
	p := NewPublisher(testQueueConfig(), zap.NewNop())
	cause := errors.New("connection refused")
	p.dial = func(Config) (Connection, error) { return nil, cause }

	err := p.Publish(context.Background(), []byte{0x90})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || !errors.Is(err, cause) {
		t.Fatalf("expected wrapped dial error, got %v", err)
	}
}
