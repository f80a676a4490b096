package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/jobref/pipeline/internal/config"
)

const version = "1.0.0"

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

func ping(c *fiber.Ctx, p Pinger) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()
	return p.Ping(ctx)
}

// HealthCheck returns the health status
func HealthCheck(db Pinger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		dbStatus := "healthy"
		if db == nil {
			dbStatus = "unavailable"
		} else if err := ping(c, db); err != nil {
			dbStatus = "unhealthy"
		}

		return c.JSON(fiber.Map{
			"status":    "healthy",
			"version":   version,
			"db_status": dbStatus,
		})
	}
}

// ReadinessCheck returns whether the service is ready to accept traffic
func ReadinessCheck(db Pinger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if db == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not_ready",
				"reason": "Database not connected",
			})
		}
		if err := ping(c, db); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not_ready",
				"reason": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"status": "ready",
		})
	}
}

// Root returns basic API info
func Root(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"name":      "Job Pipeline Operator API",
			"version":   version,
			"employers": len(cfg.Employers),
			"health":    "/health",
			"ready":     "/ready",
		})
	}
}
