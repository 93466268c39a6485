// Package models defines the core domain models for the automation execution engine.
package models

import "time"

// AutomationStatus represents the lifecycle state of an automation.
type AutomationStatus string

const (
	AutomationStatusDraft  AutomationStatus = "draft"  // Editable, never triggered
	AutomationStatusActive AutomationStatus = "active" // Accepting triggers
	AutomationStatusPaused AutomationStatus = "paused" // Rejecting new triggers
)

// IsValid checks if the automation status is a known value.
func (s AutomationStatus) IsValid() bool {
	switch s {
	case AutomationStatusDraft, AutomationStatusActive, AutomationStatusPaused:
		return true
	default:
		return false
	}
}

// TriggerType identifies the event class that enqueues work for an automation.
type TriggerType string

const (
	TriggerTypeContactAdded TriggerType = "contact_added"
	TriggerTypeWebhook      TriggerType = "webhook_received"
	TriggerTypeAPIEvent     TriggerType = "api_event"
	TriggerTypeManual       TriggerType = "manual"
)

// IsValid checks if the trigger type is a known value.
func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerTypeContactAdded, TriggerTypeWebhook, TriggerTypeAPIEvent, TriggerTypeManual:
		return true
	default:
		return false
	}
}

// Automation is an owned workflow definition: a trigger type plus an ordered
// step sequence. The engine treats it as read-only; in-flight queue items keep
// executing against the step list they were enqueued for.
type Automation struct {
	ID          string           `json:"id"`
	OwnerID     string           `json:"owner_id"    validate:"required"`
	Name        string           `json:"name"        validate:"required,min=3"`
	Status      AutomationStatus `json:"status"      validate:"required"`
	TriggerType TriggerType      `json:"trigger_type" validate:"required"`

	// WebhookToken is the per-automation shared secret; only set when
	// TriggerType is webhook_received.
	WebhookToken string `json:"webhook_token,omitempty"`

	// PayloadSchema optionally holds a JSON schema that webhook bodies must
	// satisfy before a queue item is created.
	PayloadSchema map[string]any `json:"payload_schema,omitempty"`

	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the automation accepts new triggers.
func (a *Automation) IsActive() bool {
	return a.Status == AutomationStatusActive
}
