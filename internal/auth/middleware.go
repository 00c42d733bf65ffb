package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"rocket-collections/internal/engine"
	"rocket-collections/internal/metadata"
)

const sessionKey = "session"

// Middleware returns a Fiber middleware that validates bearer tokens and
// stores the session on the request. With required false a request without
// an Authorization header proceeds anonymously; a malformed or invalid
// token is always rejected.
func Middleware(secret string, required bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			if required {
				return engine.UnauthorizedError("Missing auth token")
			}
			return c.Next()
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		session, err := ParseToken(strings.TrimSpace(parts[1]), secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		c.Locals(sessionKey, session)
		return c.Next()
	}
}

// SessionFrom returns the request session, or nil for an anonymous caller.
func SessionFrom(c *fiber.Ctx) *metadata.Session {
	s, _ := c.Locals(sessionKey).(*metadata.Session)
	return s
}

// UserID returns the caller id for request tracing.
func UserID(c *fiber.Ctx) string {
	if s := SessionFrom(c); s != nil {
		return s.ID
	}
	return ""
}
