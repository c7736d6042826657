package middleware

import (
	"strings"

	"codemarket-backend/internal/pkg/identity"
	"codemarket-backend/internal/pkg/response"
	"codemarket-backend/internal/pkg/validation"

	"github.com/gofiber/fiber/v2"
)

const userLocal = "user"

// Principal is the authenticated caller.
type Principal struct {
	Address string `json:"address"`
}

// Authenticate reads an optional bearer token. A valid token puts the
// Principal in Locals; a missing token leaves the request anonymous; a bad
// token is rejected.
func Authenticate(secret []byte) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return c.Next()
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return response.Unauthorized(c, "Invalid authorization header")
		}
		claims, err := identity.Parse(secret, strings.TrimSpace(parts[1]))
		if err != nil || !validation.IsValidAddress(claims.Address) {
			return response.Unauthorized(c, "Invalid or expired token")
		}
		c.Locals(userLocal, &Principal{Address: claims.Address})
		return c.Next()
	}
}

// RequireAuth ensures a principal is present. Returns 401 with standard error format if not.
func RequireAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if GetPrincipal(c) == nil {
			return response.Unauthorized(c, "Unauthorized")
		}
		return c.Next()
	}
}

// GetPrincipal returns the authenticated caller, or nil.
func GetPrincipal(c *fiber.Ctx) *Principal {
	p, _ := c.Locals(userLocal).(*Principal)
	return p
}

// Address returns the caller's address, or "" when anonymous.
func Address(c *fiber.Ctx) string {
	if p := GetPrincipal(c); p != nil {
		return p.Address
	}
	return ""
}
