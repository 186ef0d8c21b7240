package auth

import (
	"slices"
	"strings"

	"github.com/gofiber/fiber/v2"

	"logging-server/internal/engine"
)

const RoleAdmin = "admin"

const callerKey = "caller"

// Caller is the authenticated principal behind a request.
type Caller struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
}

func (c *Caller) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// Middleware validates the bearer token and stores the Caller on the request.
func Middleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return engine.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		c.Locals(callerKey, &Caller{Subject: claims.Subject, Roles: claims.Roles})
		return c.Next()
	}
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller := GetCaller(c)
		if caller == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		if !caller.HasRole(RoleAdmin) {
			return engine.ForbiddenError("Admin access required")
		}
		return c.Next()
	}
}

// GetCaller returns the Caller set by Middleware, or nil.
func GetCaller(c *fiber.Ctx) *Caller {
	caller, _ := c.Locals(callerKey).(*Caller)
	return caller
}
