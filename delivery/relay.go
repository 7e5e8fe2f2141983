// Package delivery relays parsed mail documents to the configured SMTP host.
package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"net/textproto"
	"time"

	"go.uber.org/zap"

	"mailbridge/internal/email"
	"mailbridge/internal/metrics"
)

// Config describes the outbound SMTP endpoint.
type Config struct {
	Host string
	Port int
	// RequireAuth selects STARTTLS+AUTH. When false the session is plaintext
	// and the credentials are ignored.
	RequireAuth bool
	Username    string
	Password    string
	// MockSend replaces delivery with a log record per document.
	MockSend    bool
	HeloName    string
	DialTimeout time.Duration
	SendTimeout time.Duration
	TLS         *tls.Config
}

// Status is the result of one delivery attempt.
type Status int

const (
	StatusDelivered Status = iota
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the per-document delivery result. Err is set only when Status is
// StatusFailed.
type Outcome struct {
	Status Status
	Err    error
}

// Delivered reports whether the document reached the relay host.
func (o Outcome) Delivered() bool {
	return o.Status == StatusDelivered
}

// Signer signs a message before it is transmitted.
type Signer interface {
	Sign(message []byte, from string) ([]byte, error)
}

// Spooler keeps a copy of documents that could not be delivered.
type Spooler interface {
	SaveFailed(doc email.Document, cause error) error
}

// Option customizes a Relay.
type Option func(*Relay)

// WithSigner signs every relayed document.
func WithSigner(s Signer) Option {
	return func(r *Relay) { r.signer = s }
}

// WithSpool stores failed documents.
func WithSpool(s Spooler) Option {
	return func(r *Relay) { r.spool = s }
}

// Relay delivers documents over one SMTP session per call.
type Relay struct {
	cfg    Config
	logger *zap.Logger
	signer Signer
	spool  Spooler
	dial   func(ctx context.Context) (sender, error)
}

// NewRelay builds a relay for cfg.
func NewRelay(cfg Config, logger *zap.Logger, opts ...Option) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		cfg:    cfg,
		logger: logger.Named("relay"),
	}
	r.dial = func(ctx context.Context) (sender, error) {
		return dialSMTP(ctx, r.cfg)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DeliverBatch relays docs in order over a single session and returns one
// outcome per document. A failed document does not stop the rest. If the
// session cannot be established every document fails with that cause.
func (r *Relay) DeliverBatch(ctx context.Context, docs []email.Document) []Outcome {
	outcomes := make([]Outcome, len(docs))
	if len(docs) == 0 {
		return outcomes
	}

	if r.cfg.MockSend {
		for i, doc := range docs {
			outcomes[i] = r.mockSend(doc)
		}
		return outcomes
	}

	s, err := r.dial(ctx)
	if err != nil {
		r.logger.Error("failed to connect to SMTP server",
			zap.String("host", r.cfg.Host),
			zap.Int("port", r.cfg.Port),
			zap.Error(err))
		r.failRemaining(docs, outcomes, 0, err)
		return outcomes
	}
	defer func() {
		if s == nil {
			return
		}
		if err := s.Close(); err != nil {
			r.logger.Warn("failed to close SMTP session", zap.Error(err))
		}
	}()

	for i, doc := range docs {
		if s == nil {
			if s, err = r.dial(ctx); err != nil {
				r.logger.Error("failed to reconnect to SMTP server",
					zap.String("host", r.cfg.Host),
					zap.Error(err))
				r.failRemaining(docs, outcomes, i, err)
				return outcomes
			}
		}

		data, err := r.payload(doc)
		if err != nil {
			outcomes[i] = r.failed(doc, err)
			continue
		}
		if err := s.Send(ctx, doc.From, doc.Recipients(), data); err != nil {
			outcomes[i] = r.failed(doc, err)
			if !r.resetAfter(s, err) {
				_ = s.Close()
				s = nil
			}
			continue
		}

		metrics.DocumentsDelivered.Inc()
		r.logger.Info("message sent",
			zap.String("subject", doc.Subject),
			zap.Strings("to", doc.Recipients()))
		outcomes[i] = Outcome{Status: StatusDelivered}
	}
	return outcomes
}

// resetAfter reports whether s is still in step after a failed document. Only
// a server reply leaves the session usable; after a transport error the
// server may still answer the abandoned command.
func (r *Relay) resetAfter(s sender, cause error) bool {
	var reply *textproto.Error
	if !errors.As(cause, &reply) {
		r.logger.Warn("SMTP session unusable after transport error, reopening", zap.Error(cause))
		return false
	}
	if err := s.Reset(); err != nil {
		r.logger.Warn("SMTP session unusable after failure, reopening", zap.Error(err))
		return false
	}
	return true
}

// DeliverOne relays a single document on its own session.
func (r *Relay) DeliverOne(ctx context.Context, doc email.Document) Outcome {
	return r.DeliverBatch(ctx, []email.Document{doc})[0]
}

// payload returns the bytes sent for doc, DKIM-signed when a signer is set.
func (r *Relay) payload(doc email.Document) ([]byte, error) {
	if r.signer == nil {
		return doc.Raw, nil
	}
	return r.signer.Sign(doc.Raw, doc.From)
}

func (r *Relay) mockSend(doc email.Document) Outcome {
	metrics.DocumentsDelivered.Inc()
	r.logger.Info("mock send",
		zap.String("from", doc.From),
		zap.Strings("to", doc.Recipients()),
		zap.String("subject", doc.Subject),
		zap.String("body", doc.Body))
	return Outcome{Status: StatusDelivered}
}

func (r *Relay) failRemaining(docs []email.Document, outcomes []Outcome, from int, cause error) {
	for i := from; i < len(docs); i++ {
		outcomes[i] = r.failed(docs[i], cause)
	}
}

func (r *Relay) failed(doc email.Document, cause error) Outcome {
	metrics.DocumentsFailed.Inc()
	r.logger.Error("failed to send message",
		zap.String("subject", doc.Subject),
		zap.Strings("to", doc.Recipients()),
		zap.Error(cause))
	if r.spool != nil {
		if err := r.spool.SaveFailed(doc, cause); err != nil {
			r.logger.Warn("failed to spool undelivered message", zap.String("subject", doc.Subject), zap.Error(err))
		}
	}
	return Outcome{Status: StatusFailed, Err: cause}
}
