package router

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/rsguard/rsguard/internal/checker"
	"github.com/rsguard/rsguard/internal/handlers"
	"github.com/rsguard/rsguard/internal/logging"
	"github.com/rsguard/rsguard/internal/middleware"
	"github.com/rsguard/rsguard/internal/repair"
	"github.com/rsguard/rsguard/internal/status"
)

// Setup configures all routes and middlewares
func Setup(app *fiber.App, baseCtx context.Context, logger *logging.Logger,
	tracker *status.Tracker, chk *checker.Checker, rep *repair.Repairer,
) *handlers.Handler {
	h := handlers.New(baseCtx, logger, tracker, chk, rep)

	// Global middlewares
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-Request-ID",
	}))
	app.Use(logging.FiberMiddleware(logger))

	app.Get("/health", h.Health)

	api := app.Group("/api")
	api.Get("/status", h.GetStatus)
	api.Post("/run-check", h.RunCheck)
	api.Post("/run-repair", h.RunRepair)

	// 404 handler
	app.Use(h.NotFound)

	return h
}

// New creates a new Fiber app with configuration
func New(baseCtx context.Context, logger *logging.Logger, tracker *status.Tracker,
	chk *checker.Checker, rep *repair.Repairer,
) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "rsguard",
		DisableStartupMessage: true,
		ErrorHandler:          middleware.ErrorHandler(logger),
	})

	Setup(app, baseCtx, logger, tracker, chk, rep)

	return app
}
