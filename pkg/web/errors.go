package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
	"github.com/postlane/postlane/pkg/intake"
	"github.com/postlane/postlane/pkg/persistence"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func unauthorized(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(401).
		WithInstance(c.Path()).
		WithType("unauthorized").
		WithDetail(detail)

	return c.Status(fiber.StatusUnauthorized).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps intake and persistence errors onto problem
// responses. Auth failures are 401, rejected payloads 400, unknown resources
// 404, everything else 500 without leaking internals.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, intake.ErrInvalidAPIKey),
		errors.Is(err, intake.ErrInvalidWebhookToken),
		errors.Is(err, intake.ErrInvalidSession):
		return unauthorized(c, err.Error())

	case errors.Is(err, intake.ErrAutomationNotRunnable):
		return badRequest(c, err.Error())

	case intake.IsValidationError(err):
		return badRequest(c, err.Error())

	case persistence.IsAutomationNotFound(err):
		return notFound(c, "automation not found")

	case persistence.IsContactNotFound(err):
		return notFound(c, "contact not found")

	case persistence.IsQueueItemNotFound(err):
		return notFound(c, "queue item not found")

	case errors.Is(err, persistence.ErrItemNotFailed):
		return conflict(c, "only failed items can be requeued")

	default:
		return internalError(c, err)
	}
}
