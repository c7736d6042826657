package middleware

import (
	"github.com/gofiber/fiber/v2"
)

// NoStore marks responses that carry purchased content or access tokens as uncacheable.
func NoStore() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()
		c.Set(fiber.HeaderCacheControl, "no-store")
		return err
	}
}
