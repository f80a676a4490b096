package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobref/pipeline/internal/config"
	"github.com/jobref/pipeline/pkg/logger"
)

// SlowRequest is the duration above which completed requests are logged as slow.
const SlowRequest = 2 * time.Second

// Setup installs the middleware chain on app
func Setup(app *fiber.App, cfg *config.Config) {
	app.Use(recover.New(recover.Config{
		EnableStackTrace: cfg.Server.Debug,
	}))

	app.Use(requestid.New(requestid.Config{
		Generator: uuid.NewString,
	}))

	// fiber rejects credentials with a wildcard origin
	origins := joinStrings(cfg.CORS.AllowedOrigins)
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     joinStrings(cfg.CORS.AllowedMethods),
		AllowHeaders:     joinStrings(cfg.CORS.AllowedHeaders),
		AllowCredentials: origins != "*",
		MaxAge:           cfg.CORS.MaxAge,
	}))

	if cfg.RateLimit.Enabled {
		app.Use(limiter.New(limiter.Config{
			Next:       isProbe,
			Max:        cfg.RateLimit.RequestsPerMinute,
			Expiration: time.Minute,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error":   "rate_limit_exceeded",
					"message": "Too many requests. Please try again later.",
				})
			},
		}))
	}

	app.Use(RequestLogger(cfg.Server.Debug))
	app.Use(RequestTiming())
}

// isProbe reports health and readiness probes, which are never rate limited.
func isProbe(c *fiber.Ctx) bool {
	p := c.Path()
	return p == "/health" || p == "/ready"
}

// RequestLogger logs failed and slow requests, and every request in debug mode.
func RequestLogger(debug bool) fiber.Handler {
	log := logger.Named("http")
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		elapsed := time.Since(start)

		status := c.Response().StatusCode()
		fields := []zap.Field{
			zap.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)),
			zap.String("method", c.Method()),
			zap.String("route", c.Route().Path),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("ip", c.IP()),
		}
		if debug {
			fields = append(fields, zap.String("user_agent", c.Get(fiber.HeaderUserAgent)))
		}

		switch {
		case status >= fiber.StatusInternalServerError:
			log.Error("Server error", fields...)
		case status >= fiber.StatusBadRequest:
			log.Warn("Client error", fields...)
		case elapsed > SlowRequest:
			log.Warn("Slow request", fields...)
		case debug:
			log.Debug("Request completed", fields...)
		}
		return err
	}
}

// RequestTiming sets X-Process-Time on every response
func RequestTiming() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		c.Set("X-Process-Time", time.Since(start).String())
		return err
	}
}

// joinStrings joins strs with commas, "*" when empty
func joinStrings(strs []string) string {
	if len(strs) == 0 {
		return "*"
	}
	return strings.Join(strs, ",")
}
