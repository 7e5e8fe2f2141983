package queue

import (
	"crypto/tls"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the consumer lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateConsuming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateConsuming:
		return "consuming"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AckDecision tells the consumer how to settle a queue message.
type AckDecision int

const (
	// Ack removes the message: every document was attempted.
	Ack AckDecision = iota
	// Reject negatively acknowledges without requeue, routing the message to
	// the dead-letter queue when one is configured.
	Reject
)

func (d AckDecision) String() string {
	if d == Ack {
		return "ack"
	}
	return "reject"
}

// Config describes the broker endpoint and the work queue.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string
	UseTLS   bool
	TLS      *tls.Config

	Queue string
	// DeadLetterQueue receives rejected batches. Empty disables dead-lettering.
	DeadLetterQueue string
	Workers         int

	ConnectTimeout    time.Duration
	Heartbeat         time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration

	ServiceName string
}

func (c Config) uri() string {
	u := amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.VHost,
	}
	if c.UseTLS {
		u.Scheme = "amqps"
	}
	return u.String()
}

// ConnectionError reports a failure to bring up the broker session.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("queue: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
