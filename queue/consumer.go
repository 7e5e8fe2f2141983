package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mailbridge/internal/metrics"
)

const (
	connectFailedSubject  = "Failed to Connect to RabbitMQ Server"
	connectionLostSubject = "Lost Connection to RabbitMQ Server"
	stoppedBody           = "The service has been stopped."

	// closeNotifyWait bounds how long the dispatcher waits for the channel's
	// close reason after the delivery stream ends unexpectedly.
	closeNotifyWait = 5 * time.Second

	// alertTimeout bounds one alert delivery. Alerts get their own deadline
	// so an expired shutdown context does not swallow them.
	alertTimeout = 30 * time.Second
)

// ErrAlreadyStarted is returned by Start on a consumer that was started or
// stopped before.
var ErrAlreadyStarted = errors.New("queue: consumer already started")

// Alerter delivers operator notifications. Implementations must not fail
// past their boundary.
type Alerter interface {
	Notify(ctx context.Context, subject, body string)
}

// session is one live connection/channel pair and its delivery stream.
type session struct {
	conn       Connection
	ch         Channel
	deliveries <-chan amqp.Delivery
	closed     chan *amqp.Error
	tag        string
}

// close shuts the channel and then the connection.
func (s *session) close() error {
	var errs []error
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	return errors.Join(errs...)
}

// Consumer owns the broker session and feeds queue messages to a handler.
type Consumer struct {
	cfg     Config
	handler BatchHandler
	alerts  Alerter
	logger  *zap.Logger
	dial    Dialer

	state atomic.Int32

	mu       sync.Mutex
	session  *session
	loopDone chan struct{}
	started  bool
	stopped  bool
	quit     chan struct{}

	inflight sync.WaitGroup
	slots    chan struct{}
	// baseCtx is never cancelled so accepted batches finish during shutdown.
	baseCtx context.Context
}

// NewConsumer builds a consumer in the Stopped state.
func NewConsumer(cfg Config, handler BatchHandler, alerts Alerter, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mailbridge"
	}
	return &Consumer{
		cfg:     cfg,
		handler: handler,
		alerts:  alerts,
		logger:  logger.Named("consumer"),
		dial:    dialAMQP,
		quit:    make(chan struct{}),
		slots:   make(chan struct{}, cfg.Workers),
		baseCtx: context.Background(),
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	metrics.SetConsumerState(int(s))
}

// Start connects, declares the queue and begins consuming. On failure the
// error is logged, one alert is sent and the consumer stays Stopped; the
// connection is not retried.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.setState(StateConnecting)

	sess, err := c.connect()
	if err != nil {
		c.setState(StateStopped)
		c.mu.Unlock()
		c.logger.Error("failed to connect to RabbitMQ server",
			zap.String("host", c.cfg.Host),
			zap.Error(err))
		c.notify(ctx, connectFailedSubject, err.Error())
		return err
	}
	done := c.adopt(sess)
	c.mu.Unlock()

	go c.dispatch(sess, done)
	return nil
}

// adopt installs sess as the live session. Callers hold c.mu.
func (c *Consumer) adopt(sess *session) chan struct{} {
	c.session = sess
	c.loopDone = make(chan struct{})
	c.setState(StateConsuming)
	return c.loopDone
}

func (c *Consumer) connect() (*session, error) {
	conn, err := c.dial(c.cfg)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	c.logger.Info("connected to RabbitMQ server", zap.String("host", c.cfg.Host))

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Op: "open channel", Err: err}
	}
	fail := func(op string, err error) (*session, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, &ConnectionError{Op: op, Err: err}
	}

	if err := ch.Qos(c.cfg.Workers, 0, false); err != nil {
		return fail("qos", err)
	}
	if err := declareQueues(ch, c.cfg); err != nil {
		return fail("declare", err)
	}
	c.logger.Info("queue declared",
		zap.String("queue", c.cfg.Queue),
		zap.String("dead_letter_queue", c.cfg.DeadLetterQueue))

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	tag := c.cfg.ServiceName + "-" + shortID()
	deliveries, err := ch.Consume(c.cfg.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}
	c.logger.Info("consumer listens to queue",
		zap.String("queue", c.cfg.Queue),
		zap.String("consumer_tag", tag),
		zap.Int("workers", c.cfg.Workers))

	return &session{conn: conn, ch: ch, deliveries: deliveries, closed: closed, tag: tag}, nil
}

// dispatch hands each delivery to a worker until the stream ends.
func (c *Consumer) dispatch(sess *session, done chan struct{}) {
	defer close(done)
	for d := range sess.deliveries {
		c.slots <- struct{}{}
		c.inflight.Add(1)
		go func(d amqp.Delivery) {
			defer func() {
				<-c.slots
				c.inflight.Done()
			}()
			c.handle(d)
		}(d)
	}

	if c.isStopped() {
		return
	}

	var reason error = errors.New("delivery stream closed")
	select {
	case amqpErr, ok := <-sess.closed:
		if ok && amqpErr != nil {
			reason = amqpErr
		}
	case <-c.quit:
		return
	case <-time.After(closeNotifyWait):
	}
	go c.reconnect(sess, reason)
}

func (c *Consumer) handle(d amqp.Delivery) {
	metrics.BatchesReceived.Inc()
	metrics.InFlightBatches.Inc()
	defer metrics.InFlightBatches.Dec()

	log := c.logger.With(zap.Uint64("delivery_tag", d.DeliveryTag), zap.Bool("redelivered", d.Redelivered))
	switch c.handler.HandleBatch(c.baseCtx, d.Body) {
	case Ack:
		if err := d.Ack(false); err != nil {
			metrics.AckFailures.Inc()
			log.Error("failed to acknowledge batch", zap.Error(err))
			return
		}
		metrics.BatchesAcked.Inc()
		log.Debug("batch acknowledged")
	default:
		if err := d.Nack(false, false); err != nil {
			metrics.AckFailures.Inc()
			log.Error("failed to reject batch", zap.Error(err))
			return
		}
		metrics.BatchesRejected.Inc()
		log.Warn("batch rejected", zap.String("dead_letter_queue", c.cfg.DeadLetterQueue))
	}
}

// reconnect handles the loss of an established session: it retries up to
// ReconnectAttempts times and alerts once retries are exhausted.
func (c *Consumer) reconnect(sess *session, reason error) {
	c.logger.Error("lost connection to RabbitMQ server", zap.String("host", c.cfg.Host), zap.Error(reason))
	c.inflight.Wait()

	c.mu.Lock()
	if c.stopped || c.session != sess {
		c.mu.Unlock()
		return
	}
	c.session = nil
	_ = sess.close()
	c.setState(StateConnecting)
	c.mu.Unlock()

	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		wait := backoffDuration(attempt, c.cfg.ReconnectBackoff)
		c.logger.Info("reconnecting to RabbitMQ server", zap.Int("attempt", attempt), zap.Duration("backoff", wait))
		select {
		case <-c.quit:
			return
		case <-time.After(wait):
		}

		if c.isStopped() {
			return
		}
		next, err := c.connect()
		if err != nil {
			c.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			reason = err
			continue
		}

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			c.logger.Info("stopped while reconnecting, closing new session")
			if err := next.close(); err != nil {
				c.logger.Warn("failed to close channel and connection", zap.Error(err))
			}
			return
		}
		done := c.adopt(next)
		c.mu.Unlock()
		go c.dispatch(next, done)
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.setState(StateStopped)
	c.mu.Unlock()
	c.notify(c.baseCtx, connectionLostSubject, reason.Error())
}

// notify sends an alert under its own deadline, keeping ctx values but not
// its cancellation.
func (c *Consumer) notify(ctx context.Context, subject, body string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	c.alerts.Notify(actx, subject, body)
}

func (c *Consumer) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Stop cancels the consumer, lets in-flight batches finish (bounded by ctx),
// closes the channel and then the connection, and sends the stopped alert.
// Only the first call has any effect.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.quit)
	sess := c.session
	done := c.loopDone
	c.session = nil
	if sess != nil {
		c.setState(StateStopping)
	}
	c.mu.Unlock()

	var err error
	if sess != nil {
		if cerr := sess.ch.Cancel(sess.tag, false); cerr != nil {
			c.logger.Warn("failed to cancel consumer", zap.String("consumer_tag", sess.tag), zap.Error(cerr))
		}

		drained := make(chan struct{})
		go func() {
			<-done
			c.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			c.logger.Warn("shutdown deadline reached with batches in flight", zap.Error(ctx.Err()))
		}

		err = sess.close()
		if err != nil {
			c.logger.Error("failed to close channel and connection", zap.Error(err))
		} else {
			c.logger.Info("channel and connection closed")
		}
	}
	c.setState(StateStopped)

	c.notify(ctx, c.cfg.ServiceName+" Stopped", stoppedBody)
	return err
}
