package models

import "time"

// QueueItemStatus represents the execution state of one queue item.
type QueueItemStatus string

const (
	QueueItemStatusPending    QueueItemStatus = "pending"    // Eligible for claim once execute_at passes
	QueueItemStatusProcessing QueueItemStatus = "processing" // Exclusively claimed by one worker
	QueueItemStatusCompleted  QueueItemStatus = "completed"  // Terminal
	QueueItemStatusFailed     QueueItemStatus = "failed"     // Terminal
)

// IsValid checks if the status is a known value.
func (s QueueItemStatus) IsValid() bool {
	switch s {
	case QueueItemStatusPending, QueueItemStatusProcessing, QueueItemStatusCompleted, QueueItemStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status permits no further transitions.
func (s QueueItemStatus) IsTerminal() bool {
	return s == QueueItemStatusCompleted || s == QueueItemStatusFailed
}

// QueueItem is one durable instance of "this contact is partway through this
// automation". It is created by trigger intake and mutated only through the
// queue repository: the dispatcher owns pending -> processing, the executor
// owns processing -> {pending, completed, failed}.
//
// Invariants maintained by the repository:
//   - at most one processing item per (automation_id, contact_id) pair,
//   - execute_at and current_step_index never decrease,
//   - terminal rows are never claimed or updated again.
type QueueItem struct {
	ID           string          `json:"id"`
	AutomationID string          `json:"automation_id" validate:"required"`
	ContactID    string          `json:"contact_id"    validate:"required"`
	Status       QueueItemStatus `json:"status"`

	// ExecuteAt is the instant the item becomes eligible for claim. Delay
	// steps push it forward; it never moves back.
	ExecuteAt time.Time `json:"execute_at"`

	// CurrentStepIndex addresses the next step to run. Reaching the step
	// count completes the item.
	CurrentStepIndex int `json:"current_step_index"`

	// Attempts counts executions of the current step, for the retry budget.
	Attempts int `json:"attempts"`

	// Payload carries opaque trigger context (webhook body, ingestion
	// fields) into template rendering.
	Payload map[string]any `json:"payload,omitempty"`

	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// QueueProgress is the executor's decision for a claimed item: the state the
// item transitions to when the step boundary is persisted.
type QueueProgress struct {
	Status           QueueItemStatus
	ExecuteAt        time.Time
	CurrentStepIndex int
	Attempts         int
	ErrorMessage     string
}
