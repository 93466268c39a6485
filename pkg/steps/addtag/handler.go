// Package addtag implements the add_tag step through the contact-mutation
// capability. The mutation is idempotent, so re-executing after a crash is
// safe.
package addtag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/protocol"
)

type Handler struct {
	contacts protocol.ContactMutator
	logger   *slog.Logger
}

func (h *Handler) Execute(ctx context.Context, stepCtx protocol.StepContext, step models.Step) (protocol.StepOutcome, error) {
	if step.AddTag == nil || step.AddTag.Tag == "" {
		return protocol.StepOutcome{}, protocol.NewPermanentError(errors.New("add_tag step has no tag name"))
	}

	err := h.contacts.AddTag(ctx, stepCtx.Item.ContactID, step.AddTag.Tag)
	if err != nil {
		h.logger.ErrorContext(ctx, "Tag mutation failed",
			"item_id", stepCtx.Item.ID,
			"contact_id", stepCtx.Item.ContactID,
			"tag", step.AddTag.Tag,
			"error", err)

		return protocol.StepOutcome{}, fmt.Errorf("tag mutation failed: %w", err)
	}

	h.logger.InfoContext(ctx, "Tag added",
		"item_id", stepCtx.Item.ID,
		"contact_id", stepCtx.Item.ContactID,
		"tag", step.AddTag.Tag)

	return protocol.StepOutcome{}, nil
}

type Factory struct {
	contacts protocol.ContactMutator
}

// NewHandlerFactory creates the add_tag handler factory around the
// contact-mutation capability.
func NewHandlerFactory(contacts protocol.ContactMutator) *Factory {
	return &Factory{contacts: contacts}
}

func (f *Factory) Kind() models.StepKind {
	return models.StepKindAddTag
}

func (f *Factory) Create(logger *slog.Logger) (protocol.StepHandler, error) {
	if f.contacts == nil {
		return nil, errors.New("add_tag handler requires a contact mutator")
	}

	return &Handler{
		contacts: f.contacts,
		logger:   logger.With("step_kind", models.StepKindAddTag),
	}, nil
}
