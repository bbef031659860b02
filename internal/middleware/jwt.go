package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/karierni-denik/internal/utils"
)

// AccessTokenKey is the Locals key holding the verified bearer token. The gateway
// forwards it unchanged to the Task API.
const AccessTokenKey = "access_token"

const tokenLeeway = 30 * time.Second

// JWTProtected verifies the student's bearer token. Tokens must be HMAC signed,
// carry an expiry and name a numeric subject, since sessions are keyed by it.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(tokenLeeway),
	)
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		tokenString, err := bearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return utils.SendError(c, fiber.StatusUnauthorized, "token expired")
		case err != nil || !token.Valid:
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		userID, ok := userIDFromClaims(claims)
		if !ok {
			return utils.SendError(c, fiber.StatusUnauthorized, "token subject missing")
		}

		c.Locals("user_id", userID)
		if role := roleFromClaims(claims); role != "" {
			c.Locals("user_role", role)
		}
		c.Locals(AccessTokenKey, tokenString)

		return c.Next()
	}
}

func bearerToken(authorization string) (string, error) {
	if authorization == "" {
		return "", errors.New("authorization header missing")
	}
	scheme, token, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("invalid token")
	}
	return token, nil
}

func userIDFromClaims(claims jwt.MapClaims) (uint, bool) {
	for _, key := range []string{"sub", "user_id", "id"} {
		value, ok := claims[key]
		if !ok {
			continue
		}
		if id, err := normalizeUserID(value); err == nil && id != 0 {
			return id, true
		}
	}
	return 0, false
}

func normalizeUserID(value interface{}) (uint, error) {
	switch v := value.(type) {
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, errors.New("invalid subject")
		}
		return uint(v), nil
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, err
		}
		return uint(parsed), nil
	case int:
		if v < 0 {
			return 0, errors.New("invalid subject")
		}
		return uint(v), nil
	default:
		return 0, errors.New("unsupported subject type")
	}
}

func roleFromClaims(claims jwt.MapClaims) string {
	for _, key := range []string{"role", "roles"} {
		if role := normalizeRole(claims[key]); role != "" {
			return role
		}
	}
	return ""
}

// normalizeRole lower-cases a role claim or Locals value. For role lists the
// first non-empty entry wins.
func normalizeRole(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case []string:
		for _, item := range v {
			if role := normalizeRole(item); role != "" {
				return role
			}
		}
		return ""
	case []interface{}:
		for _, item := range v {
			if role := normalizeRole(item); role != "" {
				return role
			}
		}
		return ""
	case fmt.Stringer:
		return normalizeRole(v.String())
	default:
		return ""
	}
}
