package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/karierni-denik/internal/config"
	"github.com/noah-isme/karierni-denik/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Journal     string    `json:"journal"`
	Bus         string    `json:"bus"`
}

// HealthCheck returns a handler that reports application health information.
func HealthCheck(cfg config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Journal:     backendState(cfg.RedisURL),
			Bus:         backendState(cfg.RedisURL, cfg.NATSURL),
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}

func backendState(urls ...string) string {
	for _, url := range urls {
		if url != "" {
			return "shared"
		}
	}
	return "local"
}
