package queue

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"mailbridge/batch"
	"mailbridge/delivery"
	"mailbridge/internal/email"
)

// BatchHandler turns one queue payload into a settlement decision.
type BatchHandler interface {
	HandleBatch(ctx context.Context, payload []byte) AckDecision
}

// BatchRelay delivers decoded documents.
type BatchRelay interface {
	DeliverBatch(ctx context.Context, docs []email.Document) []delivery.Outcome
}

// PayloadSpooler keeps payloads that could not be decoded.
type PayloadSpooler interface {
	SaveRejected(payload []byte, cause error) error
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithPayloadSpool stores rejected payloads.
func WithPayloadSpool(s PayloadSpooler) HandlerOption {
	return func(h *Handler) { h.spool = s }
}

// Handler decodes a batch and relays every document in it.
type Handler struct {
	relay  BatchRelay
	spool  PayloadSpooler
	logger *zap.Logger
}

// NewHandler builds the batch handler.
func NewHandler(relay BatchRelay, logger *zap.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{relay: relay, logger: logger.Named("handler")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleBatch returns Ack once every document has been attempted, whatever
// the individual outcomes. Undecodable payloads are rejected without any
// delivery attempt.
func (h *Handler) HandleBatch(ctx context.Context, payload []byte) AckDecision {
	docs, err := batch.Decode(payload)
	if err != nil {
		fields := []zap.Field{zap.Int("bytes", len(payload)), zap.Error(err)}
		var parseErr *batch.ParseError
		if errors.As(err, &parseErr) {
			fields = append(fields, zap.Int("document", parseErr.Index))
		}
		h.logger.Error("failed to decode batch, rejecting", fields...)
		if h.spool != nil {
			if serr := h.spool.SaveRejected(payload, err); serr != nil {
				h.logger.Warn("failed to spool rejected batch", zap.Error(serr))
			}
		}
		return Reject
	}

	outcomes := h.relay.DeliverBatch(ctx, docs)
	delivered := 0
	for _, o := range outcomes {
		if o.Delivered() {
			delivered++
		}
	}
	h.logger.Info("batch relayed",
		zap.Int("documents", len(docs)),
		zap.Int("delivered", delivered),
		zap.Int("failed", len(outcomes)-delivered))
	return Ack
}
