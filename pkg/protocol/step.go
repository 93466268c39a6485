package protocol

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/postlane/postlane/pkg/models"
)

// StepContext is what one step execution sees: the claimed item, its
// automation, and the resolved contact.
type StepContext struct {
	Item       *models.QueueItem
	Automation *models.Automation
	Contact    *models.Contact
}

// StepOutcome is a handler's verdict for one step execution.
type StepOutcome struct {
	// NextExecuteAt delays the next step; the zero value means immediately
	// eligible.
	NextExecuteAt time.Time
}

// StepHandler executes one step kind. Returning an error means the attempt
// failed; the executor decides between retry and permanent failure via
// IsPermanent.
type StepHandler interface {
	Execute(ctx context.Context, stepCtx StepContext, step models.Step) (StepOutcome, error)
}

// StepHandlerFactory creates handlers for one step kind, mirroring how
// handlers are registered by kind.
type StepHandlerFactory interface {
	Kind() models.StepKind
	Create(logger *slog.Logger) (StepHandler, error)
}

// PermanentError marks a step failure as non-retryable regardless of the
// remaining retry budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps an error as non-retryable.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether the step error must not be retried.
func IsPermanent(err error) bool {
	var permanent *PermanentError

	return errors.As(err, &permanent)
}
