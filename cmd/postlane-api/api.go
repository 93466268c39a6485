// Package main provides the Postlane intake API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/postlane/postlane/pkg/intake"
	"github.com/postlane/postlane/pkg/persistence"
	"github.com/postlane/postlane/pkg/web"
)

type API struct {
	logger        *slog.Logger
	persistence   persistence.Persistence
	intakeService *intake.Service
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	intakeService *intake.Service,
) *API {
	return &API{
		logger:        logger,
		persistence:   persistence,
		intakeService: intakeService,
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.intakeService, a.persistence.QueueRepository())

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return a.persistence.HealthCheck(c.Context()) == nil
		},
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Postlane API")
	})

	app.Post("/ingest", handlers.Ingest)
	app.Post("/automations/:id/trigger", handlers.TriggerAutomation)

	q := app.Group("/queue")
	q.Get("/items", handlers.GetQueueItems)
	q.Get("/items/:id", handlers.GetQueueItem)
	q.Post("/items/:id/requeue", handlers.RequeueQueueItem)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
