// Package alert mails operator notifications about systemic failures.
package alert

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mailbridge/delivery"
	"mailbridge/internal/email"
	"mailbridge/internal/metrics"
)

// Relay is the single-document send path the notifier uses.
type Relay interface {
	DeliverOne(ctx context.Context, doc email.Document) delivery.Outcome
}

// Notifier sends plaintext alerts from Sender to Recipient.
type Notifier struct {
	relay     Relay
	sender    string
	recipient string
	logger    *zap.Logger
}

// NewNotifier builds a notifier. Empty addresses are allowed; alerts are then
// logged and skipped.
func NewNotifier(relay Relay, sender, recipient string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		relay:     relay,
		sender:    sender,
		recipient: recipient,
		logger:    logger.Named("alert"),
	}
}

// Notify delivers one alert. It never returns an error and never panics;
// failures are logged and counted only.
func (n *Notifier) Notify(ctx context.Context, subject, body string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.AlertsFailed.Inc()
			n.logger.Error("alert delivery panicked", zap.String("subject", subject), zap.Any("panic", r))
		}
	}()

	doc, err := n.compose(subject, body)
	if err != nil {
		metrics.AlertsFailed.Inc()
		n.logger.Error("failed to compose alert", zap.String("subject", subject), zap.Error(err))
		return
	}

	outcome := n.relay.DeliverOne(ctx, doc)
	if !outcome.Delivered() {
		metrics.AlertsFailed.Inc()
		n.logger.Error("failed to deliver alert",
			zap.String("subject", subject),
			zap.String("to", n.recipient),
			zap.Error(outcome.Err))
		return
	}
	metrics.AlertsSent.Inc()
	n.logger.Info("alert sent", zap.String("subject", subject), zap.String("to", n.recipient))
}

func (n *Notifier) compose(subject, body string) (email.Document, error) {
	from, err := email.ParseAddress(n.sender)
	if err != nil {
		return email.Document{}, fmt.Errorf("alert sender: %w", err)
	}
	to, err := email.ParseAddress(n.recipient)
	if err != nil {
		return email.Document{}, fmt.Errorf("alert recipient: %w", err)
	}
	doc := email.Document{
		From:    from,
		To:      []string{to},
		Subject: subject,
		Body:    body,
	}
	raw, err := email.Compose(doc)
	if err != nil {
		return email.Document{}, err
	}
	doc.Raw = raw
	return doc, nil
}
