package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type declaration struct {
	name                           string
	durable, autoDelete, exclusive bool
	args                           amqp.Table
}

type fakeChannel struct {
	mu           sync.Mutex
	deliveries   chan amqp.Delivery
	notify       chan *amqp.Error
	notifyClosed bool
	streamClosed bool

	declared   []declaration
	prefetch   int
	consumeTag string
	autoAck    bool
	published  []amqp.Publishing
	routingKey string
	cancelled  int
	closed     int

	declareErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return amqp.Queue{}, f.declareErr
	}
	f.declared = append(f.declared, declaration{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive, args: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumeTag = consumer
	f.autoAck = autoAck
	return f.deliveries, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routingKey = key
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = receiver
	return receiver
}

func (f *fakeChannel) Cancel(consumer string, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	f.closeStreamLocked()
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.closeStreamLocked()
	if f.notify != nil && !f.notifyClosed {
		close(f.notify)
		f.notifyClosed = true
	}
	return nil
}

// fail simulates the broker tearing the channel down.
func (f *fakeChannel) fail(err *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notify != nil && !f.notifyClosed {
		f.notify <- err
	}
	f.closeStreamLocked()
}

func (f *fakeChannel) closeStreamLocked() {
	if !f.streamClosed {
		close(f.deliveries)
		f.streamClosed = true
	}
}

func (f *fakeChannel) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeConnection struct {
	mu     sync.Mutex
	ch     *fakeChannel
	closed int
}

func (f *fakeConnection) Channel() (Channel, error) {
	return f.ch, nil
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConnection) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type ackEvent struct {
	kind          string
	tag           uint64
	requeue       bool
	channelClosed int
}

type fakeAcker struct {
	ch     *fakeChannel
	events chan ackEvent
}

func newFakeAcker(ch *fakeChannel) *fakeAcker {
	return &fakeAcker{ch: ch, events: make(chan ackEvent, 8)}
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.events <- ackEvent{kind: "ack", tag: tag, channelClosed: a.ch.closedCount()}
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.events <- ackEvent{kind: "nack", tag: tag, requeue: requeue, channelClosed: a.ch.closedCount()}
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	a.events <- ackEvent{kind: "reject", tag: tag, requeue: requeue, channelClosed: a.ch.closedCount()}
	return nil
}

func (a *fakeAcker) next(t *testing.T) ackEvent {
	t.Helper()
	select {
	case ev := <-a.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for settlement")
		return ackEvent{}
	}
}

type recordingAlerts struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
	ctxErrs  []error
}

func (r *recordingAlerts) Notify(ctx context.Context, subject, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.bodies = append(r.bodies, body)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
}

func (r *recordingAlerts) contextErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.ctxErrs...)
}

func (r *recordingAlerts) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.subjects...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
