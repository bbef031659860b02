package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/karierni-denik/internal/utils"
)

// StudentTasksPath is the route prefix of the student task session API.
const StudentTasksPath = "/api/v2/student/tasks"

// TaskRateLimit throttles every student separately on every task mounted under
// prefix. Websocket and event stream connections are not counted.
func TaskRateLimit(prefix string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 120
	}
	if window <= 0 {
		window = time.Minute
	}
	retryAfter := int(window.Round(time.Second).Seconds())

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		Next: func(c *fiber.Ctx) bool {
			path := c.Path()
			return strings.HasSuffix(path, "/ws") || strings.HasSuffix(path, "/stream")
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return rateLimitKey(c, prefix)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return utils.Fail(c, fiber.StatusTooManyRequests, "too many task session requests", fiber.Map{
				"retry_after_seconds": retryAfter,
			})
		},
	})
}

func rateLimitKey(c *fiber.Ctx, prefix string) string {
	student := "ip:" + c.IP()
	if id, ok := c.Locals("user_id").(uint); ok && id != 0 {
		student = "student:" + strconv.FormatUint(uint64(id), 10)
	}
	return student + "|task:" + taskIDFromPath(c.Path(), prefix)
}

// taskIDFromPath returns the first path segment after prefix. Group middleware
// runs before route params are bound, so the id is read from the raw path.
func taskIDFromPath(path, prefix string) string {
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return ""
	}
	rest = strings.TrimPrefix(rest, "/")
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}
