package payments

import (
	"encoding/json"
	"errors"
	"fmt"

	purchasesvc "codemarket-backend/internal/application/purchases"
	"codemarket-backend/internal/domain"
	"codemarket-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WebhookHandler struct {
	DB            *gorm.DB
	Purchases     *purchasesvc.Service
	WebhookSecret string
}

// Intent events that can move an escrowed purchase.
var reconcileEvents = map[stripe.EventType]bool{
	"payment_intent.amount_capturable_updated": true,
	"payment_intent.succeeded":                 true,
	"payment_intent.canceled":                  true,
	"payment_intent.payment_failed":            true,
}

// HandleWebhook POST /api/v1/settlement/webhook: raw body, signature verification, then reconcile.
func (wh *WebhookHandler) HandleWebhook(c *fiber.Ctx) error {
	rawBody := c.BodyRaw()
	sig := c.Get("Stripe-Signature")

	if len(rawBody) == 0 {
		log.Warn().Msg("settlement webhook received empty body")
		return c.Status(400).SendString("Webhook Error: empty body")
	}
	if sig == "" || wh.WebhookSecret == "" {
		log.Warn().Bool("has_sig", sig != "").Bool("has_secret", wh.WebhookSecret != "").Msg("settlement webhook missing signature or secret")
		return c.Status(400).SendString("Webhook Error: missing signature or secret")
	}

	event, err := webhook.ConstructEventWithOptions(rawBody, sig, wh.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("settlement webhook signature verification failed")
		return c.Status(400).SendString(fmt.Sprintf("Webhook Error: %s", err.Error()))
	}

	if !reconcileEvents[event.Type] || event.Data == nil {
		return c.Status(200).SendString("ok")
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil || pi.ID == "" {
		log.Warn().Err(err).Str("event_id", event.ID).Msg("settlement webhook carried no payment intent")
		return c.Status(200).SendString("ok")
	}

	// A notice already applied is acknowledged without reconciling again.
	var existing domain.SettlementNotice
	err = wh.DB.WithContext(c.Context()).Where("provider_event_id = ?", event.ID).First(&existing).Error
	if err == nil {
		log.Info().Str("event_id", event.ID).Msg("settlement webhook already applied")
		return c.Status(200).SendString("ok")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Error().Err(err).Str("event_id", event.ID).Msg("settlement webhook notice lookup failed")
		return c.Status(500).SendString("Webhook Error: reconcile failed")
	}

	p, err := wh.Purchases.ReconcileSettlement(c.Context(), pi.ID)
	if err != nil {
		// Domain outcomes are acknowledged so the provider stops redelivering;
		// infrastructure failures are not.
		if response.StatusOf(err) >= 500 {
			log.Error().Err(err).Str("event_id", event.ID).Str("intent", pi.ID).Msg("settlement webhook reconcile failed")
			return c.Status(500).SendString("Webhook Error: reconcile failed")
		}
		log.Info().Err(err).Str("event_id", event.ID).Str("intent", pi.ID).Msg("settlement webhook ignored")
		return c.Status(200).SendString("ok")
	}
	if p.Status == domain.StatusPending {
		log.Info().Str("event_id", event.ID).Str("purchase_id", p.ID).Msg("settlement webhook: purchase still pending")
		return c.Status(200).SendString("ok")
	}
	notice := domain.SettlementNotice{
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		TransactionRef:  pi.ID,
		PurchaseID:      p.ID,
		PurchaseStatus:  p.Status,
		RawPayload:      datatypes.JSON(rawBody),
	}
	if err := wh.DB.WithContext(c.Context()).Clauses(clause.OnConflict{DoNothing: true}).Create(&notice).Error; err != nil {
		log.Warn().Err(err).Str("event_id", event.ID).Msg("settlement webhook notice not recorded")
	}
	log.Info().Str("event_id", event.ID).Str("type", string(event.Type)).
		Str("purchase_id", p.ID).Str("status", string(p.Status)).Msg("settlement webhook reconciled")
	return c.Status(200).SendString("ok")
}
