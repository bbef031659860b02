package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// HeaderCorrelationID carries the correlation id on requests, responses and the
// calls the gateway makes to the Task API.
const HeaderCorrelationID = "X-Correlation-ID"

// CorrelationLocalsKey is the Locals key holding the request's correlation id.
const CorrelationLocalsKey = "correlation_id"

const maxCorrelationIDLength = 128

type correlationIDKey struct{}

// CorrelationID tags every request with a correlation id. A caller supplied id is
// reused only when it is safe to forward upstream; otherwise a new one is minted.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := sanitizeCorrelationID(c.Get(HeaderCorrelationID))
		if id == "" {
			id = sanitizeCorrelationID(c.Get(fiber.HeaderXRequestID))
		}
		if id == "" {
			id = uuid.NewString()
		}

		c.Locals(CorrelationLocalsKey, id)
		c.Set(HeaderCorrelationID, id)
		c.SetUserContext(ContextWithCorrelation(c.UserContext(), id))

		return c.Next()
	}
}

// CorrelationIDFromContext returns the correlation id stored in ctx, if any.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// GetCorrelationID returns the correlation id of the active request.
func GetCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals(CorrelationLocalsKey).(string); ok && id != "" {
		return id
	}
	return CorrelationIDFromContext(c.UserContext())
}

// ContextWithCorrelation stores correlationID in ctx. Blank ids leave ctx unchanged.
func ContextWithCorrelation(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func sanitizeCorrelationID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > maxCorrelationIDLength {
		return ""
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return ""
		}
	}
	return value
}
