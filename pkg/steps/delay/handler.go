// Package delay implements the delay step. The wait is represented entirely
// as a future execute_at on the queue item; no process resource is held.
package delay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/protocol"
)

type Handler struct {
	logger *slog.Logger
}

func (h *Handler) Execute(ctx context.Context, stepCtx protocol.StepContext, step models.Step) (protocol.StepOutcome, error) {
	if step.Delay == nil || step.Delay.Duration <= 0 {
		return protocol.StepOutcome{}, protocol.NewPermanentError(errors.New("delay step has no positive duration"))
	}

	resumeAt := time.Now().UTC().Add(time.Duration(step.Delay.Duration))

	h.logger.InfoContext(ctx, "Delaying item",
		"item_id", stepCtx.Item.ID,
		"duration", time.Duration(step.Delay.Duration).String(),
		"resume_at", resumeAt)

	return protocol.StepOutcome{NextExecuteAt: resumeAt}, nil
}

type Factory struct{}

// NewHandlerFactory creates the delay handler factory.
func NewHandlerFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Kind() models.StepKind {
	return models.StepKindDelay
}

func (f *Factory) Create(logger *slog.Logger) (protocol.StepHandler, error) {
	return &Handler{logger: logger.With("step_kind", models.StepKindDelay)}, nil
}
