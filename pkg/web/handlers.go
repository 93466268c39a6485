// Package web exposes trigger intake and queue observability over HTTP.
package web

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/postlane/postlane/pkg/intake"
	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/persistence"
)

type APIHandlers struct {
	intakeService *intake.Service
	queue         persistence.QueueRepository
}

func NewAPIHandlers(intakeService *intake.Service, queue persistence.QueueRepository) *APIHandlers {
	return &APIHandlers{
		intakeService: intakeService,
		queue:         queue,
	}
}

// Ingest handles POST /ingest?key=<api_key>.
func (h *APIHandlers) Ingest(c fiber.Ctx) error {
	apiKey := c.Query("key")
	if apiKey == "" {
		return unauthorized(c, "missing API key")
	}

	var req intake.IngestRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	result, err := h.intakeService.Ingest(c.Context(), apiKey, req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"contact_id": result.ContactID,
		"item_ids":   result.ItemIDs,
	})
}

// TriggerAutomation handles POST /automations/:id/trigger. A token query
// selects the public webhook path; a bearer session selects the manual path.
func (h *APIHandlers) TriggerAutomation(c fiber.Ctx) error {
	automationID := c.Params("id")

	payload := map[string]any{}
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&payload); err != nil {
			return badRequest(c, "Invalid request body: "+err.Error())
		}
	}

	var (
		result *intake.TriggerResult
		err    error
	)

	if token := c.Query("token"); token != "" {
		result, err = h.intakeService.TriggerWebhook(c.Context(), automationID, token, payload)
	} else if session := bearerToken(c); session != "" {
		result, err = h.intakeService.TriggerManual(c.Context(), automationID, session, payload)
	} else {
		return unauthorized(c, "missing webhook token or session")
	}

	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"item_id":    result.ItemID,
		"contact_id": result.ContactID,
	})
}

// GetQueueItems handles GET /queue/items with status, automation and contact
// filters.
func (h *APIHandlers) GetQueueItems(c fiber.Ctx) error {
	opts, err := parseListOptions(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	items, err := h.queue.ListItems(c.Context(), *opts)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"items": items,
		"count": len(items),
	})
}

// GetQueueItem handles GET /queue/items/:id.
func (h *APIHandlers) GetQueueItem(c fiber.Ctx) error {
	item, err := h.queue.ItemByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(item)
}

// RequeueQueueItem handles POST /queue/items/:id/requeue: manual retry of a
// failed item from its current step.
func (h *APIHandlers) RequeueQueueItem(c fiber.Ctx) error {
	itemID := c.Params("id")

	if err := h.queue.RequeueFailed(c.Context(), itemID); err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"item_id": itemID,
	})
}

func parseListOptions(c fiber.Ctx) (*persistence.ListQueueItemsOptions, error) {
	opts := &persistence.ListQueueItemsOptions{
		AutomationID: c.Query("automation_id"),
		ContactID:    c.Query("contact_id"),
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.QueueItemStatus(statusStr)
		if !status.IsValid() {
			return nil, fmt.Errorf("unknown status %q", statusStr)
		}

		opts.Status = &status
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		opts.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		opts.Offset = offset
	}

	return opts, nil
}

func bearerToken(c fiber.Ctx) string {
	header := c.Get("Authorization")
	if header == "" {
		return ""
	}

	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return ""
	}

	return strings.TrimSpace(token)
}
