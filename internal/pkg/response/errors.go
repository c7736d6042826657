package response

import (
	"errors"

	"codemarket-backend/internal/domain"
	"codemarket-backend/internal/pkg/validation"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

var statusMap = map[domain.Kind]int{
	domain.KindNotFound:      fiber.StatusNotFound,
	domain.KindAuthorization: fiber.StatusForbidden,
	domain.KindInvalidState:  fiber.StatusConflict,
	domain.KindConflict:      fiber.StatusConflict,
	domain.KindIntegrity:     fiber.StatusInternalServerError,
	domain.KindSettlement:    fiber.StatusBadGateway,
	domain.KindValidation:    fiber.StatusBadRequest,
	domain.KindSelfPurchase:  fiber.StatusBadRequest,
	domain.KindTokenInvalid:  fiber.StatusUnauthorized,
	domain.KindTokenExpired:  fiber.StatusUnauthorized,
}

// StatusOf returns the HTTP status for err. Retryable settlement failures are 503.
func StatusOf(err error) int {
	var de *domain.Error
	if !errors.As(err, &de) {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return fe.Code
		}
		return fiber.StatusInternalServerError
	}
	if de.Kind == domain.KindSettlement && de.Retryable {
		return fiber.StatusServiceUnavailable
	}
	if code, ok := statusMap[de.Kind]; ok {
		return code
	}
	return fiber.StatusInternalServerError
}

// FromError writes err in the standard error format. Errors that did not come
// from the domain are logged and reported as a bare 500.
func FromError(c *fiber.Ctx, err error) error {
	code := StatusOf(err)
	kind := domain.KindOf(err)
	if kind == "" {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return Error(c, fe.Message, fe.Code, nil)
		}
		log.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
		return Error(c, "Internal Server Error", code, nil)
	}
	if kind == domain.KindIntegrity {
		log.Error().Err(err).Str("path", c.Path()).Msg("integrity failure")
	}

	details := map[string]interface{}{"kind": kind}
	if fields := validation.Details(err); len(fields) > 0 {
		details["fields"] = fields
	}
	var de *domain.Error
	if errors.As(err, &de) && de.Kind == domain.KindSettlement {
		details["retryable"] = de.Retryable
	}
	return Error(c, domain.MessageOf(err), code, details)
}
