package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/jobref/pipeline/internal/api/handlers"
	"github.com/jobref/pipeline/internal/config"
)

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, cfg *config.Config, deps *Dependencies) {
	// Health check routes (no prefix)
	app.Get("/health", handlers.HealthCheck(deps.DB))
	app.Get("/ready", handlers.ReadinessCheck(deps.DB))
	app.Get("/", handlers.Root(cfg))

	// API routes
	api := app.Group("/api")

	scrapeHandler := handlers.NewScrapeHandler(deps.Tasks, deps.Runner)
	scrape := api.Group("/scrape")
	scrape.Post("/", scrapeHandler.TriggerScrape)
	scrape.Get("/:task_id", scrapeHandler.GetScrapeStatus)

	api.Get("/employers/status", scrapeHandler.EmployerStatuses)
}

// Dependencies holds all service dependencies for handlers
type Dependencies struct {
	DB     handlers.Pinger
	Runner handlers.ScrapeRunner
	Tasks  *handlers.TaskManager
}
