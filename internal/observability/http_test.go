package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesSessionCollectors(t *testing.T) {
	app := fiber.New()
	app.Get("/metrics", MetricsHandler())

	SessionsActive().Inc()
	defer SessionsActive().Dec()
	AutosaveAttempts().WithLabelValues("test").Inc()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "task_sessions_active")
	require.Contains(t, string(body), `autosave_attempts_total{kind="test"}`)
}
