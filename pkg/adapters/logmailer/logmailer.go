// Package logmailer is an email transport that only logs. It stands in for a
// real delivery provider during local development and in tests.
package logmailer

import (
	"context"
	"log/slog"

	"github.com/postlane/postlane/pkg/protocol"
)

type Mailer struct {
	logger *slog.Logger
}

func NewMailer(logger *slog.Logger) *Mailer {
	return &Mailer{logger: logger.With("module", "logmailer")}
}

func (m *Mailer) Send(ctx context.Context, req protocol.SendEmailRequest) error {
	m.logger.InfoContext(ctx, "Email send (log only)",
		"to", req.To,
		"template_id", req.TemplateID,
		"sender_id", req.SenderID,
		"idempotency_key", req.IdempotencyKey,
		"variables", req.Variables)

	return nil
}
