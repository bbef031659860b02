package middleware

import (
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// Config customises the middleware registration pipeline.
type Config struct {
	Logger *zerolog.Logger
	// AllowOrigins is the CORS origin list; empty allows every origin.
	AllowOrigins string
	// AccessLog writes one line per request; nil disables the access log.
	AccessLog io.Writer
}

// Register attaches the middleware shared by every gateway route.
func Register(app *fiber.App, cfg Config) {
	requestLogger := zerolog.New(io.Discard)
	if cfg.Logger != nil {
		requestLogger = *cfg.Logger
	}
	origins := cfg.AllowOrigins
	if origins == "" {
		origins = "*"
	}

	app.Use(CorrelationID())
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e interface{}) {
			requestLogger.Error().
				Str("correlation_id", GetCorrelationID(c)).
				Str("path", c.Path()).
				Interface("panic", e).
				Msg("recovered from panic")
		},
	}))
	app.Use(Observability(requestLogger))
	if cfg.AccessLog != nil {
		app.Use(fiberlogger.New(fiberlogger.Config{
			Format: "${time} ${status} ${method} ${path} ${latency} cid=${locals:" + CorrelationLocalsKey + "}\n",
			Output: cfg.AccessLog,
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, " + HeaderCorrelationID,
		AllowMethods:  "GET,POST,PUT,DELETE,OPTIONS",
		ExposeHeaders: HeaderCorrelationID,
	}))
}
