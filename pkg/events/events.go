// Package events defines event types for queue item lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/postlane/postlane/pkg/models"
)

type EventType string

const Topic = "postlane.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ItemEnqueuedEvent  EventType = "automation.item.enqueued"
	StepCompletedEvent EventType = "automation.step.completed"
	ItemCompletedEvent EventType = "automation.item.completed"
	ItemFailedEvent    EventType = "automation.item.failed"
	ItemRequeuedEvent  EventType = "automation.item.requeued"
)

type BaseEvent struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	AutomationID string    `json:"automation_id"`
	ItemID       string    `json:"item_id"`
	WorkerID     string    `json:"worker_id,omitempty"`
}

// NewBaseEvent creates the shared envelope for one event.
func NewBaseEvent(eventType EventType, automationID, itemID string) BaseEvent {
	return BaseEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		AutomationID: automationID,
		ItemID:       itemID,
	}
}

type ItemEnqueued struct {
	BaseEvent

	ContactID   string             `json:"contact_id"`
	TriggerType models.TriggerType `json:"trigger_type"`
	ExecuteAt   time.Time          `json:"execute_at"`
}

func (e ItemEnqueued) GetType() EventType {
	return ItemEnqueuedEvent
}

type StepCompleted struct {
	BaseEvent

	ContactID string          `json:"contact_id"`
	StepIndex int             `json:"step_index"`
	StepKind  models.StepKind `json:"step_kind"`
	NextAt    time.Time       `json:"next_at"`
}

func (e StepCompleted) GetType() EventType {
	return StepCompletedEvent
}

type ItemCompleted struct {
	BaseEvent

	ContactID string        `json:"contact_id"`
	Duration  time.Duration `json:"duration"`
}

func (e ItemCompleted) GetType() EventType {
	return ItemCompletedEvent
}

type ItemFailed struct {
	BaseEvent

	ContactID string `json:"contact_id"`
	StepIndex int    `json:"step_index"`
	Error     string `json:"error"`
}

func (e ItemFailed) GetType() EventType {
	return ItemFailedEvent
}

type ItemRequeued struct {
	BaseEvent

	ContactID string `json:"contact_id"`
	Attempts  int    `json:"attempts"`
}

func (e ItemRequeued) GetType() EventType {
	return ItemRequeuedEvent
}
