package auth

import (
	"strings"
	"time"

	"codemarket-backend/internal/middleware"
	"codemarket-backend/internal/pkg/identity"
	"codemarket-backend/internal/pkg/response"
	"codemarket-backend/internal/pkg/validation"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Handlers holds dependencies for auth endpoints.
type Handlers struct {
	Secret   []byte
	TokenTTL time.Duration
	// DevLogin enables address-only token issuance for local development.
	DevLogin bool
}

// LoginRequest body for development login.
type LoginRequest struct {
	Address string `json:"address"`
}

// Login POST /api/v1/auth/login: development only; signs a bearer token for the address.
func (h *Handlers) Login(c *fiber.Ctx) error {
	if !h.DevLogin {
		return response.Error(c, "Not found", fiber.StatusNotFound, nil)
	}
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return response.Error(c, "Address is required", fiber.StatusBadRequest, nil)
	}
	req.Address = strings.TrimSpace(req.Address)
	if !validation.IsValidAddress(req.Address) {
		return response.Error(c, "Address is required", fiber.StatusBadRequest, nil)
	}

	token, err := identity.Sign(h.Secret, req.Address, h.TokenTTL)
	if err != nil {
		log.Error().Err(err).Msg("auth/login: signing failed")
		return response.Error(c, "Internal Server Error", fiber.StatusInternalServerError, nil)
	}
	log.Info().Str("path", "/auth/login").Str("address", req.Address).Msg("auth/login: dev token issued")
	return response.Success(c, "Login successful", fiber.Map{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": int64(h.TokenTTL.Seconds()),
		"user":       middleware.Principal{Address: req.Address},
	}, nil)
}

// Me GET /api/v1/auth/me: return the authenticated principal.
func (h *Handlers) Me(c *fiber.Ctx) error {
	p := middleware.GetPrincipal(c)
	if p == nil {
		log.Info().Str("path", "/auth/me").Bool("has_header", c.Get(fiber.HeaderAuthorization) != "").
			Msg("auth/me: returning 401 Not authenticated")
		return response.Error(c, "Not authenticated", fiber.StatusUnauthorized, nil)
	}
	return response.Success(c, "Authenticated", fiber.Map{"user": p}, nil)
}
