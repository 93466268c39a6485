// Package persistence provides standardized error types for storage operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrAutomationNotFound indicates no automation exists for the identifier.
	ErrAutomationNotFound = errors.New("automation not found")

	// ErrContactNotFound indicates no contact exists for the identifier.
	ErrContactNotFound = errors.New("contact not found")

	// ErrQueueItemNotFound indicates no queue item exists for the identifier.
	ErrQueueItemNotFound = errors.New("queue item not found")

	// ErrNoItemDue indicates ClaimNextDue found nothing eligible.
	ErrNoItemDue = errors.New("no queue item due")

	// ErrItemTerminal indicates an update targeted a completed or failed item.
	ErrItemTerminal = errors.New("queue item is terminal")

	// ErrItemNotFailed indicates a manual requeue targeted a non-failed item.
	ErrItemNotFailed = errors.New("queue item is not failed")

	// ErrProgressRegression indicates an update tried to move the step
	// cursor or execute_at backwards.
	ErrProgressRegression = errors.New("queue item progress may not move backwards")
)

// QueueError wraps queue-related errors with operation context.
type QueueError struct {
	Op     string // Operation being performed (e.g. "ClaimNextDue", "UpdateProgress")
	ItemID string // Queue item ID if applicable
	Err    error  // Underlying error
}

func (e *QueueError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("%s failed for queue item %s: %v", e.Op, e.ItemID, e.Err)
	}

	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

func (e *QueueError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewQueueError creates a queue error with context.
func NewQueueError(op, itemID string, err error) *QueueError {
	return &QueueError{Op: op, ItemID: itemID, Err: err}
}

// IsAutomationNotFound checks if an error indicates a missing automation.
func IsAutomationNotFound(err error) bool {
	return errors.Is(err, ErrAutomationNotFound)
}

// IsContactNotFound checks if an error indicates a missing contact.
func IsContactNotFound(err error) bool {
	return errors.Is(err, ErrContactNotFound)
}

// IsQueueItemNotFound checks if an error indicates a missing queue item.
func IsQueueItemNotFound(err error) bool {
	return errors.Is(err, ErrQueueItemNotFound)
}

// IsNoItemDue checks if an error indicates an empty claim.
func IsNoItemDue(err error) bool {
	return errors.Is(err, ErrNoItemDue)
}
