package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/jobref/pipeline/internal/api"
	"github.com/jobref/pipeline/internal/api/handlers"
	"github.com/jobref/pipeline/internal/api/middleware"
	"github.com/jobref/pipeline/internal/app"
	"github.com/jobref/pipeline/internal/config"
	"github.com/jobref/pipeline/internal/monitor"
	"github.com/jobref/pipeline/internal/pipeline"
	"github.com/jobref/pipeline/pkg/logger"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.Server.Debug)
	defer logger.Sync()

	logger.Info("Starting job pipeline operator API",
		zap.Bool("debug", cfg.Server.Debug),
		zap.Int("employers", len(cfg.Employers)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var health *monitor.Server
	var reporter pipeline.StatusReporter
	if cfg.Monitor.Enabled {
		health = monitor.New(logger.Get())
		reporter = health
	}

	components, err := app.New(ctx, cfg, logger.Get(), reporter)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	if health != nil {
		go func() {
			if err := health.Serve(cfg.Monitor.GRPCPort); err != nil {
				logger.Error("Health service stopped", zap.Error(err))
			}
		}()
		go health.WatchStore(ctx, components.Store, cfg.Monitor.PingInterval)
		defer health.Stop()
	}

	// Create Fiber app
	fiberApp := fiber.New(fiber.Config{
		AppName:               "Job Pipeline Operator API",
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		DisableStartupMessage: !cfg.Server.Debug,
		ErrorHandler:          errorHandler,
	})

	// Setup middleware
	middleware.Setup(fiberApp, cfg)

	tasks := handlers.NewTaskManager(ctx, components.Runner, logger.Get())
	deps := &api.Dependencies{
		DB:     components.Store,
		Runner: components.Runner,
		Tasks:  tasks,
	}

	// Setup routes
	api.SetupRoutes(fiberApp, cfg, deps)

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down gracefully...")
		_ = fiberApp.Shutdown()
	}()

	// Start server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("Server starting", zap.String("address", addr))

	if err := fiberApp.Listen(addr); err != nil {
		logger.Error("Server failed", zap.Error(err))
	}

	// In-flight runs observe the cancelled context and abort.
	tasks.Wait()
}

// errorHandler handles errors globally
func errorHandler(c *fiber.Ctx, err error) error {
	// Default to 500
	code := fiber.StatusInternalServerError
	message := "Internal server error"

	// Check if it's a Fiber error
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	// Log error
	logger.Error("Request error",
		zap.Int("status", code),
		zap.String("path", c.Path()),
		zap.Error(err),
	)

	return c.Status(code).JSON(fiber.Map{
		"error":   "request_failed",
		"message": message,
		"path":    c.Path(),
	})
}
