package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	controller "relaycrm/controllers"
	"relaycrm/engine"
	"relaycrm/middleware"
)

// Deps bundles the shared collaborators the route handlers need.
type Deps struct {
	DB        *gorm.DB
	Processor *engine.SequenceProcessor
	Engine    *engine.AutomationEngine
	Bus       engine.EventBus
	Lock      engine.BatchLock
	Logger    *logrus.Logger
}

func SetupRoutes(app *fiber.App, deps Deps) {
	cronController := controller.NewCronController(deps.DB, deps.Processor, deps.Engine, deps.Lock, deps.Logger)
	automationController := controller.NewAutomationController(deps.DB, deps.Engine, deps.Logger)
	trackingController := controller.NewTrackingController(deps.DB, deps.Bus, deps.Logger)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Batch drivers, called by the external scheduler
	cron := app.Group("/cron", middleware.CronProtected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	// Some schedulers can only issue GETs
	cron.Post("/process-sequences", cronController.ProcessScheduled)
	cron.Get("/process-sequences", cronController.ProcessScheduled)

	// Tracking endpoints are hit from recipients' mail clients, so no
	// auth beyond the HMAC token in the URL
	app.Get("/track/open/:messageID/:token", trackingController.HandleOpenTracking)
	app.Get("/track/click/:messageID/:token", trackingController.HandleClickTracking)

	// Provider delivery events (replies, bounces)
	app.Post("/webhooks/email", trackingController.HandleEmailWebhook)

	// Project-scoped management API
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	automations := api.Group("/projects/:slug/automations")
	automations.Post("/:id/test", automationController.TestAutomation)
	automations.Get("/:id/executions", automationController.ListExecutions)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
