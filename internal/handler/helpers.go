package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/karierni-denik/internal/dto"
	"github.com/noah-isme/karierni-denik/internal/middleware"
	"github.com/noah-isme/karierni-denik/internal/service"
)

func userIDFromContext(c *fiber.Ctx) uint {
	return normalizeUserID(c.Locals("user_id"))
}

func normalizeUserID(value interface{}) uint {
	switch id := value.(type) {
	case uint:
		return id
	case int:
		if id < 0 {
			return 0
		}
		return uint(id)
	case float64:
		if id < 0 {
			return 0
		}
		return uint(id)
	}
	return 0
}

func accessToken(value interface{}) string {
	if token, ok := value.(string); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// viewerFromContext returns the authenticated student and the bearer token the
// Task API expects.
func viewerFromContext(c *fiber.Ctx) (service.Viewer, bool) {
	viewer := service.Viewer{
		StudentID:     userIDFromContext(c),
		Token:         accessToken(c.Locals(middleware.AccessTokenKey)),
		CorrelationID: middleware.GetCorrelationID(c),
	}
	return viewer, viewer.StudentID != 0
}

func websocketViewer(conn *websocket.Conn) (service.Viewer, bool) {
	correlation, _ := conn.Locals(middleware.CorrelationLocalsKey).(string)
	viewer := service.Viewer{
		StudentID:     normalizeUserID(conn.Locals("user_id")),
		Token:         accessToken(conn.Locals(middleware.AccessTokenKey)),
		CorrelationID: correlation,
	}
	return viewer, viewer.StudentID != 0
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func validationDetails(errs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(errs))
	for _, fieldErr := range errs {
		details[fieldErr.Field()] = fieldErr.Tag()
	}
	return details
}

func writeSessionEvent(w *bufio.Writer, event dto.SessionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}
