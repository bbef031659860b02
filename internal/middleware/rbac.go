package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/karierni-denik/internal/utils"
)

// RequireRole admits only callers whose verified role is one of roles.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	required := make([]string, 0, len(roles))
	for _, role := range roles {
		normalized := strings.ToLower(strings.TrimSpace(role))
		if normalized == "" {
			continue
		}
		if _, dup := allowed[normalized]; !dup {
			required = append(required, normalized)
		}
		allowed[normalized] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		if _, ok := allowed[normalizeRole(c.Locals("user_role"))]; !ok {
			return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", fiber.Map{
				"required_roles": required,
			})
		}
		return c.Next()
	}
}
