// Package intake turns external trigger events into durable queue items. All
// three trigger paths (API ingestion, webhook, manual) authenticate and
// validate synchronously, then funnel through one enqueue routine, so a
// rejected trigger never leaves a row behind.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/postlane/postlane/pkg/eventbus"
	"github.com/postlane/postlane/pkg/events"
	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/persistence"
	"github.com/postlane/postlane/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

// IngestRequest is the body of POST /ingest: one contact plus free-form
// custom fields.
type IngestRequest struct {
	Email        string         `json:"email" validate:"required,email"`
	FirstName    string         `json:"first_name,omitempty"`
	LastName     string         `json:"last_name,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
}

// UnmarshalJSON folds top-level keys outside the recognized set into
// CustomFields, so `{"email": ..., "plan": "pro"}` and
// `{"email": ..., "custom_fields": {"plan": "pro"}}` store the same contact.
func (r *IngestRequest) UnmarshalJSON(data []byte) error {
	type plain IngestRequest

	var req plain
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	for _, known := range []string{"email", "first_name", "last_name", "tags", "custom_fields"} {
		delete(fields, known)
	}

	if len(fields) > 0 {
		if req.CustomFields == nil {
			req.CustomFields = make(map[string]any, len(fields))
		}

		for key, value := range fields {
			req.CustomFields[key] = value
		}
	}

	*r = IngestRequest(req)

	return nil
}

// IngestResult reports the fan-out of one ingestion.
type IngestResult struct {
	ContactID string   `json:"contact_id"`
	ItemIDs   []string `json:"item_ids"`
}

// TriggerResult reports the queue item created by a webhook or manual trigger.
type TriggerResult struct {
	ItemID    string `json:"item_id"`
	ContactID string `json:"contact_id"`
}

// Service is the trigger-intake front of the queue. Storage access is an
// explicitly constructed capability handed in at process start.
type Service struct {
	persistence persistence.Persistence
	apiKeys     protocol.APIKeyVerifier
	sessions    protocol.SessionVerifier
	eventBus    eventbus.EventPublisher
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewService(
	persistence persistence.Persistence,
	apiKeys protocol.APIKeyVerifier,
	sessions protocol.SessionVerifier,
	eventBus eventbus.EventPublisher,
	logger *slog.Logger,
) *Service {
	return &Service{
		persistence: persistence,
		apiKeys:     apiKeys,
		sessions:    sessions,
		eventBus:    eventBus,
		validator:   validator.New(),
		logger:      logger.With("module", "intake"),
	}
}

// Ingest handles the API ingestion path: verify the key, upsert the contact,
// then enqueue one item per active contact_added automation of the key's
// owner.
func (s *Service) Ingest(ctx context.Context, apiKey string, req IngestRequest) (*IngestResult, error) {
	return s.ingest(ctx, apiKey, req, models.TriggerTypeContactAdded, "ingest")
}

// IngestEvent is the bulk side-channel variant of Ingest: same auth and
// contact upsert, but fan-out targets api_event automations instead of
// contact_added ones.
func (s *Service) IngestEvent(ctx context.Context, apiKey string, req IngestRequest) (*IngestResult, error) {
	return s.ingest(ctx, apiKey, req, models.TriggerTypeAPIEvent, "api_event")
}

func (s *Service) ingest(ctx context.Context, apiKey string, req IngestRequest, trigger models.TriggerType, source string) (*IngestResult, error) {
	ownerID, err := s.apiKeys.VerifyAPIKey(ctx, apiKey)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if err := s.validator.Struct(req); err != nil {
		return nil, NewValidationError(err.Error())
	}

	contact, err := s.persistence.ContactRepository().UpsertContact(ctx, &models.Contact{
		OwnerID:      ownerID,
		Email:        req.Email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Tags:         req.Tags,
		CustomFields: req.CustomFields,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert contact: %w", err)
	}

	automations, err := s.persistence.AutomationRepository().ActiveAutomationsByTrigger(ctx, ownerID, trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to list automations for fan-out: %w", err)
	}

	result := &IngestResult{ContactID: contact.ID, ItemIDs: []string{}}

	payload := map[string]any{"email": contact.Email, "source": source}
	for key, value := range req.CustomFields {
		payload[key] = value
	}

	for _, automation := range automations {
		item, err := s.enqueue(ctx, automation, contact, payload)
		if err != nil {
			return nil, err
		}

		result.ItemIDs = append(result.ItemIDs, item.ID)
	}

	s.logger.InfoContext(ctx, "Contact ingested",
		"owner_id", ownerID,
		"contact_id", contact.ID,
		"enqueued", len(result.ItemIDs))

	return result, nil
}

// TriggerWebhook handles the public webhook path. It fails closed: wrong
// token is unauthorized, wrong trigger type or a non-active automation never
// enqueues.
func (s *Service) TriggerWebhook(ctx context.Context, automationID, token string, payload map[string]any) (*TriggerResult, error) {
	automation, err := s.persistence.AutomationRepository().AutomationByID(ctx, automationID)
	if err != nil {
		return nil, err
	}

	if token == "" || automation.WebhookToken == "" || token != automation.WebhookToken {
		return nil, ErrInvalidWebhookToken
	}

	if automation.TriggerType != models.TriggerTypeWebhook || !automation.IsActive() {
		return nil, ErrAutomationNotRunnable
	}

	if err := s.validatePayloadSchema(automation, payload); err != nil {
		return nil, err
	}

	contact, err := s.resolveOrCreateContact(ctx, automation.OwnerID, payload)
	if err != nil {
		return nil, err
	}

	item, err := s.enqueue(ctx, automation, contact, payload)
	if err != nil {
		return nil, err
	}

	return &TriggerResult{ItemID: item.ID, ContactID: contact.ID}, nil
}

// TriggerManual handles the dashboard path: session auth, ownership check,
// and the contact must already exist. Manual triggers never create contacts.
func (s *Service) TriggerManual(ctx context.Context, automationID, sessionToken string, payload map[string]any) (*TriggerResult, error) {
	ownerID, err := s.sessions.VerifySession(ctx, sessionToken)
	if err != nil {
		return nil, ErrInvalidSession
	}

	automation, err := s.persistence.AutomationRepository().AutomationByID(ctx, automationID)
	if err != nil {
		return nil, err
	}

	// Someone else's automation looks identical to a missing one.
	if automation.OwnerID != ownerID {
		return nil, persistence.ErrAutomationNotFound
	}

	if !automation.IsActive() {
		return nil, ErrAutomationNotRunnable
	}

	contact, err := s.resolveContact(ctx, ownerID, payload)
	if err != nil {
		return nil, err
	}

	item, err := s.enqueue(ctx, automation, contact, payload)
	if err != nil {
		return nil, err
	}

	return &TriggerResult{ItemID: item.ID, ContactID: contact.ID}, nil
}

// validatePayloadSchema checks the body against the automation's optional
// JSON schema before anything is persisted.
func (s *Service) validatePayloadSchema(automation *models.Automation, payload map[string]any) error {
	if len(automation.PayloadSchema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(automation.PayloadSchema),
		gojsonschema.NewGoLoader(payload),
	)
	if err != nil {
		// A schema that cannot be compiled is the owner's misconfiguration,
		// reported as a validation failure rather than a server error.
		return NewValidationError(fmt.Sprintf("payload schema is invalid: %v", err))
	}

	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}

		return NewValidationError(reasons...)
	}

	return nil
}

// resolveContact finds the contact identified by the payload's contact_id or
// email. It never creates one.
func (s *Service) resolveContact(ctx context.Context, ownerID string, payload map[string]any) (*models.Contact, error) {
	if contactID, ok := payload["contact_id"].(string); ok && contactID != "" {
		contact, err := s.persistence.ContactRepository().ContactByID(ctx, contactID)
		if err != nil {
			return nil, err
		}

		if contact.OwnerID != ownerID {
			return nil, persistence.ErrContactNotFound
		}

		return contact, nil
	}

	if email, ok := payload["email"].(string); ok && email != "" {
		return s.persistence.ContactRepository().ContactByEmail(ctx, ownerID, email)
	}

	return nil, NewValidationError("payload identifies no contact: contact_id or email required")
}

// resolveOrCreateContact resolves like resolveContact but creates a minimal
// contact when an email is present and unknown.
func (s *Service) resolveOrCreateContact(ctx context.Context, ownerID string, payload map[string]any) (*models.Contact, error) {
	contact, err := s.resolveContact(ctx, ownerID, payload)
	if err == nil {
		return contact, nil
	}

	email, hasEmail := payload["email"].(string)
	if !persistence.IsContactNotFound(err) || !hasEmail || email == "" {
		return nil, err
	}

	created, err := s.persistence.ContactRepository().UpsertContact(ctx, &models.Contact{
		OwnerID: ownerID,
		Email:   email,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}

	return created, nil
}

// enqueue inserts one pending item due immediately and announces it on the
// event bus.
func (s *Service) enqueue(ctx context.Context, automation *models.Automation, contact *models.Contact, payload map[string]any) (*models.QueueItem, error) {
	now := time.Now().UTC()

	item := &models.QueueItem{
		ID:           uuid.New().String(),
		AutomationID: automation.ID,
		ContactID:    contact.ID,
		Status:       models.QueueItemStatusPending,
		ExecuteAt:    now,
		Payload:      payload,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.persistence.QueueRepository().Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue item: %w", err)
	}

	s.logger.InfoContext(ctx, "Item enqueued",
		"item_id", item.ID,
		"automation_id", automation.ID,
		"contact_id", contact.ID,
		"trigger_type", automation.TriggerType)

	if s.eventBus != nil {
		event := events.ItemEnqueued{
			BaseEvent:   events.NewBaseEvent(events.ItemEnqueuedEvent, automation.ID, item.ID),
			ContactID:   contact.ID,
			TriggerType: automation.TriggerType,
			ExecuteAt:   item.ExecuteAt,
		}

		if err := s.eventBus.Publish(ctx, automation.ID, event); err != nil {
			s.logger.WarnContext(ctx, "Failed to publish enqueue event", "item_id", item.ID, "error", err)
		}
	}

	return item, nil
}
