// Package executor advances claimed queue items through their automation's
// step sequence, one step per claim. Persisting after every step makes each
// step boundary a durable checkpoint: a crash between the step effect and the
// index increment re-executes the step, which is why every step effect except
// the email send itself is idempotent (the send carries an idempotency key).
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/postlane/postlane/pkg/eventbus"
	"github.com/postlane/postlane/pkg/events"
	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/persistence"
	"github.com/postlane/postlane/pkg/protocol"
)

// PausePolicy decides what happens to claimed items of a paused automation.
type PausePolicy string

const (
	// PausePolicyDrain lets in-flight items finish; pausing only stops new
	// triggers.
	PausePolicyDrain PausePolicy = "drain"

	// PausePolicySuspend pushes claimed items of paused automations back
	// to pending with a revisit delay until the automation resumes.
	PausePolicySuspend PausePolicy = "suspend"
)

// RetryPolicy bounds transient step failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Backoff returns the delay before the given retry attempt (1-based),
// doubling from InitialBackoff up to MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := p.InitialBackoff

	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}

	if backoff > p.MaxBackoff {
		return p.MaxBackoff
	}

	return backoff
}

// DefaultRetryPolicy matches the engine's shipped configuration.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 30 * time.Second,
	MaxBackoff:     15 * time.Minute,
}

// Config carries the executor's policies.
type Config struct {
	Retry          RetryPolicy
	Pause          PausePolicy
	SuspendRevisit time.Duration
}

// DefaultConfig returns the shipped executor configuration.
func DefaultConfig() Config {
	return Config{
		Retry:          DefaultRetryPolicy,
		Pause:          PausePolicyDrain,
		SuspendRevisit: 5 * time.Minute,
	}
}

// Executor runs one step of one claimed item. It owns the
// processing -> {pending, completed, failed} transitions.
type Executor struct {
	persistence persistence.Persistence
	registry    *Registry
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger
	config      Config
}

func NewExecutor(
	persistence persistence.Persistence,
	registry *Registry,
	eventBus eventbus.EventPublisher,
	logger *slog.Logger,
	config Config,
) *Executor {
	return &Executor{
		persistence: persistence,
		registry:    registry,
		eventBus:    eventBus,
		logger:      logger.With("module", "executor"),
		config:      config,
	}
}

// ExecuteNext runs the step at the item's cursor and persists the resulting
// transition. The item must already be claimed (status processing).
func (e *Executor) ExecuteNext(ctx context.Context, item *models.QueueItem) error {
	logger := e.logger.With(
		"item_id", item.ID,
		"automation_id", item.AutomationID,
		"contact_id", item.ContactID,
		"step_index", item.CurrentStepIndex,
	)

	automation, err := e.persistence.AutomationRepository().AutomationByID(ctx, item.AutomationID)
	if err != nil {
		if persistence.IsAutomationNotFound(err) {
			return e.fail(ctx, logger, item, "automation no longer exists")
		}

		return fmt.Errorf("failed to fetch automation: %w", err)
	}

	if automation.Status == models.AutomationStatusPaused && e.config.Pause == PausePolicySuspend {
		return e.suspend(ctx, logger, item)
	}

	if item.CurrentStepIndex >= len(automation.Steps) {
		return e.complete(ctx, logger, item)
	}

	step := automation.Steps[item.CurrentStepIndex]

	handler, err := e.registry.CreateHandler(step.Kind)
	if err != nil {
		// Unrecognized kind is a configuration error, never retried.
		return e.fail(ctx, logger, item, err.Error())
	}

	contact, err := e.persistence.ContactRepository().ContactByID(ctx, item.ContactID)
	if err != nil {
		if persistence.IsContactNotFound(err) {
			return e.fail(ctx, logger, item, "contact no longer exists")
		}

		return fmt.Errorf("failed to fetch contact: %w", err)
	}

	stepCtx := protocol.StepContext{
		Item:       item,
		Automation: automation,
		Contact:    contact,
	}

	outcome, stepErr := handler.Execute(ctx, stepCtx, step)
	if stepErr != nil {
		return e.handleStepError(ctx, logger, item, step, stepErr)
	}

	return e.advance(ctx, logger, item, step, outcome)
}

// advance moves the cursor past a successful step and returns the item to
// pending at the step's chosen eligibility time.
func (e *Executor) advance(ctx context.Context, logger *slog.Logger, item *models.QueueItem, step models.Step, outcome protocol.StepOutcome) error {
	now := time.Now().UTC()

	nextAt := outcome.NextExecuteAt
	if nextAt.IsZero() {
		nextAt = now
	}

	progress := models.QueueProgress{
		Status:           models.QueueItemStatusPending,
		ExecuteAt:        nextAt,
		CurrentStepIndex: item.CurrentStepIndex + 1,
		Attempts:         0,
	}

	err := e.persistence.QueueRepository().UpdateProgress(ctx, item.ID, progress)
	if err != nil {
		return fmt.Errorf("failed to persist step boundary: %w", err)
	}

	logger.InfoContext(ctx, "Step completed", "step_kind", step.Kind, "next_at", nextAt)

	event := events.StepCompleted{
		BaseEvent: events.NewBaseEvent(events.StepCompletedEvent, item.AutomationID, item.ID),
		ContactID: item.ContactID,
		StepIndex: item.CurrentStepIndex,
		StepKind:  step.Kind,
		NextAt:    nextAt,
	}
	e.publish(ctx, logger, item.AutomationID, event)

	return nil
}

// handleStepError applies the retry policy: transient errors requeue with
// backoff until the budget runs out, permanent errors fail immediately.
func (e *Executor) handleStepError(ctx context.Context, logger *slog.Logger, item *models.QueueItem, step models.Step, stepErr error) error {
	attempts := item.Attempts + 1

	if protocol.IsPermanent(stepErr) || attempts >= e.config.Retry.MaxAttempts {
		message := fmt.Sprintf("step %d (%s): %v", item.CurrentStepIndex, step.Kind, stepErr)

		return e.failWithAttempts(ctx, logger, item, message, attempts)
	}

	backoff := e.config.Retry.Backoff(attempts)

	progress := models.QueueProgress{
		Status:           models.QueueItemStatusPending,
		ExecuteAt:        time.Now().UTC().Add(backoff),
		CurrentStepIndex: item.CurrentStepIndex,
		Attempts:         attempts,
	}

	err := e.persistence.QueueRepository().UpdateProgress(ctx, item.ID, progress)
	if err != nil {
		return errors.Join(stepErr, fmt.Errorf("failed to requeue for retry: %w", err))
	}

	logger.WarnContext(ctx, "Step failed, requeued for retry",
		"step_kind", step.Kind,
		"attempts", attempts,
		"backoff", backoff.String(),
		"error", stepErr)

	event := events.ItemRequeued{
		BaseEvent: events.NewBaseEvent(events.ItemRequeuedEvent, item.AutomationID, item.ID),
		ContactID: item.ContactID,
		Attempts:  attempts,
	}
	e.publish(ctx, logger, item.AutomationID, event)

	return nil
}

func (e *Executor) complete(ctx context.Context, logger *slog.Logger, item *models.QueueItem) error {
	progress := models.QueueProgress{
		Status:           models.QueueItemStatusCompleted,
		ExecuteAt:        item.ExecuteAt,
		CurrentStepIndex: item.CurrentStepIndex,
		Attempts:         item.Attempts,
	}

	err := e.persistence.QueueRepository().UpdateProgress(ctx, item.ID, progress)
	if err != nil {
		return fmt.Errorf("failed to mark item completed: %w", err)
	}

	logger.InfoContext(ctx, "Item completed")

	event := events.ItemCompleted{
		BaseEvent: events.NewBaseEvent(events.ItemCompletedEvent, item.AutomationID, item.ID),
		ContactID: item.ContactID,
		Duration:  time.Since(item.CreatedAt),
	}
	e.publish(ctx, logger, item.AutomationID, event)

	return nil
}

func (e *Executor) fail(ctx context.Context, logger *slog.Logger, item *models.QueueItem, message string) error {
	return e.failWithAttempts(ctx, logger, item, message, item.Attempts)
}

func (e *Executor) failWithAttempts(ctx context.Context, logger *slog.Logger, item *models.QueueItem, message string, attempts int) error {
	progress := models.QueueProgress{
		Status:           models.QueueItemStatusFailed,
		ExecuteAt:        item.ExecuteAt,
		CurrentStepIndex: item.CurrentStepIndex,
		Attempts:         attempts,
		ErrorMessage:     message,
	}

	err := e.persistence.QueueRepository().UpdateProgress(ctx, item.ID, progress)
	if err != nil {
		return fmt.Errorf("failed to mark item failed: %w", err)
	}

	logger.ErrorContext(ctx, "Item failed", "error_message", message)

	event := events.ItemFailed{
		BaseEvent: events.NewBaseEvent(events.ItemFailedEvent, item.AutomationID, item.ID),
		ContactID: item.ContactID,
		StepIndex: item.CurrentStepIndex,
		Error:     message,
	}
	e.publish(ctx, logger, item.AutomationID, event)

	return nil
}

// suspend pushes a claimed item of a paused automation back to pending with
// a revisit delay.
func (e *Executor) suspend(ctx context.Context, logger *slog.Logger, item *models.QueueItem) error {
	progress := models.QueueProgress{
		Status:           models.QueueItemStatusPending,
		ExecuteAt:        time.Now().UTC().Add(e.config.SuspendRevisit),
		CurrentStepIndex: item.CurrentStepIndex,
		Attempts:         item.Attempts,
	}

	err := e.persistence.QueueRepository().UpdateProgress(ctx, item.ID, progress)
	if err != nil {
		return fmt.Errorf("failed to suspend item: %w", err)
	}

	logger.InfoContext(ctx, "Automation paused, item suspended", "revisit_in", e.config.SuspendRevisit.String())

	return nil
}

// publish sends a lifecycle event best-effort; queue state transitions never
// depend on the event bus being reachable.
func (e *Executor) publish(ctx context.Context, logger *slog.Logger, key string, event eventbus.Event) {
	if e.eventBus == nil {
		return
	}

	if err := e.eventBus.Publish(ctx, key, event); err != nil {
		logger.WarnContext(ctx, "Failed to publish lifecycle event", "event_type", event.GetType(), "error", err)
	}
}
