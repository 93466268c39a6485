// Package sendemail implements the send_email step: it resolves template
// variables for the contact and hands the send to the email transport.
package sendemail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/protocol"
	"github.com/postlane/postlane/pkg/template"
)

type Handler struct {
	mailer protocol.Mailer
	logger *slog.Logger
}

func (h *Handler) Execute(ctx context.Context, stepCtx protocol.StepContext, step models.Step) (protocol.StepOutcome, error) {
	if step.SendEmail == nil {
		return protocol.StepOutcome{}, protocol.NewPermanentError(errors.New("send_email step has no parameters"))
	}

	if stepCtx.Contact == nil || stepCtx.Contact.Email == "" {
		return protocol.StepOutcome{}, protocol.NewPermanentError(errors.New("send_email step requires a contact with an email address"))
	}

	variables := template.Variables(template.Context{
		Contact: stepCtx.Contact,
		Payload: stepCtx.Item.Payload,
	})

	request := protocol.SendEmailRequest{
		To:         stepCtx.Contact.Email,
		TemplateID: step.SendEmail.TemplateID,
		SenderID:   step.SendEmail.SenderID,
		Variables:  variables,

		// Deterministic per (item, step) so a re-executed step after a
		// crash can be deduplicated by the transport.
		IdempotencyKey: fmt.Sprintf("%s:%d", stepCtx.Item.ID, stepCtx.Item.CurrentStepIndex),
	}

	err := h.mailer.Send(ctx, request)
	if err != nil {
		h.logger.ErrorContext(ctx, "Email send failed",
			"item_id", stepCtx.Item.ID,
			"template_id", step.SendEmail.TemplateID,
			"error", err)

		return protocol.StepOutcome{}, fmt.Errorf("email send failed: %w", err)
	}

	h.logger.InfoContext(ctx, "Email sent",
		"item_id", stepCtx.Item.ID,
		"contact_id", stepCtx.Contact.ID,
		"template_id", step.SendEmail.TemplateID)

	return protocol.StepOutcome{}, nil
}

type Factory struct {
	mailer protocol.Mailer
}

// NewHandlerFactory creates the send_email handler factory around the email
// transport capability.
func NewHandlerFactory(mailer protocol.Mailer) *Factory {
	return &Factory{mailer: mailer}
}

func (f *Factory) Kind() models.StepKind {
	return models.StepKindSendEmail
}

func (f *Factory) Create(logger *slog.Logger) (protocol.StepHandler, error) {
	if f.mailer == nil {
		return nil, errors.New("send_email handler requires a mailer")
	}

	return &Handler{
		mailer: f.mailer,
		logger: logger.With("step_kind", models.StepKindSendEmail),
	}, nil
}
