package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/karierni-denik/internal/config"
	"github.com/noah-isme/karierni-denik/internal/handler"
	"github.com/noah-isme/karierni-denik/internal/middleware"
	"github.com/noah-isme/karierni-denik/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	TaskSessionHandler *handler.TaskSessionHandler
	JWTMiddleware      fiber.Handler
	// RateLimiter throttles each student per task; nil disables throttling.
	RateLimiter fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))
	app.Get("/metrics", observability.MetricsHandler())

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.TaskSessionHandler != nil {
		handlers := []fiber.Handler{jwtMiddleware, middleware.RequireRole("student")}
		if deps.RateLimiter != nil {
			handlers = append(handlers, deps.RateLimiter)
		}
		tasks := app.Group(middleware.StudentTasksPath, handlers...)
		deps.TaskSessionHandler.Register(tasks)
	}
}
