package health

import (
	"encoding/json"
	"strconv"
	"time"

	healthsvc "codemarket-backend/internal/application/health"
	purchasesvc "codemarket-backend/internal/application/purchases"
	"codemarket-backend/internal/middleware"
	"codemarket-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const serviceName = "codemarket-api"

// Handlers holds dependencies for health and operator endpoints.
type Handlers struct {
	Rdb               *redis.Client
	DB                healthsvc.DBPinger
	Settlement        healthsvc.SettlementPinger
	SettlementTimeout time.Duration
	Sweeper           *purchasesvc.Sweeper
	HealthAdminKey    string
}

func (h *Handlers) authorized(c *fiber.Ctx) bool {
	key := c.Query("key")
	return key != "" && h.HealthAdminKey != "" && key == h.HealthAdminKey
}

func (h *Handlers) deps() healthsvc.Deps {
	return healthsvc.Deps{
		Redis:             h.Rdb,
		DB:                h.DB,
		Settlement:        h.Settlement,
		SettlementTimeout: h.SettlementTimeout,
	}
}

// Reset clears health stats in Redis. Requires query key=HEALTH_ADMIN_KEY.
func (h *Handlers) Reset(c *fiber.Ctx) error {
	if !h.authorized(c) {
		return response.Error(c, "Unauthorized", fiber.StatusForbidden, nil)
	}
	if h.Rdb == nil {
		return response.Error(c, "Redis not configured", fiber.StatusServiceUnavailable, nil)
	}
	ctx := c.Context()
	keys := []string{middleware.KeyReqTotal, middleware.KeyReqErrors, middleware.KeyResTime, middleware.KeyResCount, middleware.KeyStartTime, middleware.KeyLastReq, middleware.KeyErrorLog}
	if err := h.Rdb.Del(ctx, keys...).Err(); err != nil {
		return response.Error(c, err.Error(), fiber.StatusInternalServerError, nil)
	}
	if err := h.Rdb.Set(ctx, middleware.KeyStartTime, strconv.FormatInt(time.Now().UnixMilli(), 10), 0).Err(); err != nil {
		return response.Error(c, err.Error(), fiber.StatusInternalServerError, nil)
	}
	return response.Success(c, "Stats reset successfully", fiber.Map{"success": true}, nil)
}

// JSON returns health data: service, status, runtime, traffic and dependencies.
func (h *Handlers) JSON(c *fiber.Ctx) error {
	result := healthsvc.CollectHealth(c.Context(), h.deps())
	return c.JSON(fiber.Map{
		"service":      serviceName,
		"status":       result.Status,
		"runtime":      result.Runtime,
		"traffic":      result.Traffic,
		"dependencies": result.Dependencies,
	})
}

// Errors returns the last 50 error log entries from Redis.
func (h *Handlers) Errors(c *fiber.Ctx) error {
	if h.Rdb == nil {
		return c.JSON([]interface{}{})
	}
	entries, err := h.Rdb.LRange(c.Context(), middleware.KeyErrorLog, 0, 49).Result()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON([]interface{}{})
	}
	errors := make([]map[string]interface{}, 0, len(entries))
	for _, s := range entries {
		var m map[string]interface{}
		if _ = json.Unmarshal([]byte(s), &m); m != nil {
			errors = append(errors, m)
		}
	}
	return c.JSON(errors)
}

// Sweep runs one escrow expiry pass on demand. Requires query key=HEALTH_ADMIN_KEY.
func (h *Handlers) Sweep(c *fiber.Ctx) error {
	if !h.authorized(c) {
		return response.Error(c, "Unauthorized", fiber.StatusForbidden, nil)
	}
	if h.Sweeper == nil {
		return response.Error(c, "Sweeper not configured", fiber.StatusServiceUnavailable, nil)
	}
	res, ran, err := h.Sweeper.SweepOnce(c.Context())
	if err != nil {
		log.Error().Err(err).Msg("manual escrow sweep failed")
		return response.FromError(c, err)
	}
	if !ran {
		return response.Error(c, "Sweep already in progress", fiber.StatusConflict, nil)
	}
	return response.Success(c, "Escrow sweep completed", res, nil)
}
