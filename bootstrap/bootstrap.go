package bootstrap

import (
	"codemarket-backend/internal/config"
	"codemarket-backend/internal/interfaces/router"

	"github.com/gofiber/fiber/v2"
)

// New creates the Fiber app for serverless hosting (the api handler imports this package, not internal).
// No background sweeper runs there; schedule POST /admin/escrow/sweep instead.
func New() (*fiber.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	app, err := router.CreateApp(cfg, router.Options{})
	if err != nil {
		return nil, err
	}
	return app.Fiber, nil
}
