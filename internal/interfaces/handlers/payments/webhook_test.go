package payments

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"codemarket-backend/internal/application/accesstoken"
	listsvc "codemarket-backend/internal/application/listings"
	purchasesvc "codemarket-backend/internal/application/purchases"
	"codemarket-backend/internal/domain"
	"codemarket-backend/internal/infrastructure/keystore"
	"codemarket-backend/internal/infrastructure/settlement"
	"codemarket-backend/internal/pkg/contentcipher"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
	"gorm.io/gorm"
)

const secret = "whsec_test"

func setupWebhookTest(t *testing.T) (*fiber.App, *purchasesvc.Service, *settlement.MemoryService, string, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(domain.Models()...))

	keys, err := keystore.NewGormStore(db, bytes.Repeat([]byte{4}, 32))
	require.NoError(t, err)
	wm, err := contentcipher.NewWatermarker([]byte("wm"))
	require.NoError(t, err)
	tokens, err := accesstoken.NewService([]byte("tokens"), time.Minute)
	require.NoError(t, err)
	ledger := settlement.NewMemoryService()
	svc := &purchasesvc.Service{DB: db, Settlement: ledger, Keys: keys, Tokens: tokens}

	listings := &listsvc.Service{DB: db, Keys: keys, Watermarker: wm}
	l, err := listings.CreateListing(context.Background(), "0xseller", listsvc.CreateListingInput{
		Title: "t", Description: "d", Language: "go", Price: decimal.NewFromInt(2),
	}, []byte("code"))
	require.NoError(t, err)

	wh := &WebhookHandler{DB: db, Purchases: svc, WebhookSecret: secret}
	app := fiber.New()
	app.Post("/webhook", wh.HandleWebhook)
	return app, svc, ledger, l.ID, db
}

var eventSeq int

func intentEvent(eventType, intentID string) []byte {
	eventSeq++
	return intentEventWithID(fmt.Sprintf("evt_%d", eventSeq), eventType, intentID)
}

func intentEventWithID(eventID, eventType, intentID string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"data":{"object":{"id":%q,"object":"payment_intent"}}}`, eventID, eventType, intentID))
}

func post(t *testing.T, app *fiber.App, payload []byte, sig string) (int, string) {
	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set("Stripe-Signature", sig)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func signed(payload []byte, key string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    key,
		Timestamp: time.Now(),
	}).Header
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	app, _, _, _, _ := setupWebhookTest(t)
	payload := intentEvent("payment_intent.succeeded", "pi_1")

	status, body := post(t, app, payload, "")
	assert.Equal(t, 400, status)
	assert.Contains(t, body, "Webhook Error")

	status, _ = post(t, app, payload, signed(payload, "whsec_other"))
	assert.Equal(t, 400, status)

	status, _ = post(t, app, nil, signed(nil, secret))
	assert.Equal(t, 400, status)
}

func TestWebhook_ReconcilesPurchase(t *testing.T) {
	app, svc, ledger, listingID, _ := setupWebhookTest(t)
	ctx := context.Background()
	res, err := svc.InitiatePurchase(ctx, listingID, "0xbuyer")
	require.NoError(t, err)

	payload := intentEvent("payment_intent.amount_capturable_updated", res.TransactionRef)
	status, _ := post(t, app, payload, signed(payload, secret))
	assert.Equal(t, 200, status)
	p, err := svc.GetPurchase(ctx, res.PurchaseID, "0xbuyer")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, p.Status)

	ledger.Finalize(res.TransactionRef)
	payload = intentEvent("payment_intent.amount_capturable_updated", res.TransactionRef)
	status, body := post(t, app, payload, signed(payload, secret))
	assert.Equal(t, 200, status)
	assert.Equal(t, "ok", body)
	p, err = svc.GetPurchase(ctx, res.PurchaseID, "0xbuyer")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, p.Status)

	// Redelivery is acknowledged without changing anything.
	status, _ = post(t, app, payload, signed(payload, secret))
	assert.Equal(t, 200, status)
}

func TestWebhook_AcknowledgesUnknownAndIgnoredEvents(t *testing.T) {
	app, _, _, _, _ := setupWebhookTest(t)

	payload := intentEvent("payment_intent.succeeded", "pi_unknown")
	status, _ := post(t, app, payload, signed(payload, secret))
	assert.Equal(t, 200, status)

	payload = intentEvent("customer.created", "cus_1")
	status, _ = post(t, app, payload, signed(payload, secret))
	assert.Equal(t, 200, status)
}

func TestWebhook_SettlementOutageIsRetried(t *testing.T) {
	app, svc, ledger, listingID, _ := setupWebhookTest(t)
	res, err := svc.InitiatePurchase(context.Background(), listingID, "0xbuyer")
	require.NoError(t, err)
	ledger.SetUnreachable(true)

	payload := intentEvent("payment_intent.succeeded", res.TransactionRef)
	status, _ := post(t, app, payload, signed(payload, secret))
	assert.Equal(t, 500, status)
}

func TestWebhook_RecordsNoticeOnce(t *testing.T) {
	app, svc, ledger, listingID, db := setupWebhookTest(t)
	res, err := svc.InitiatePurchase(context.Background(), listingID, "0xbuyer")
	require.NoError(t, err)
	ledger.Fail(res.TransactionRef)

	payload := intentEventWithID("evt_cancel", "payment_intent.canceled", res.TransactionRef)
	for i := 0; i < 2; i++ {
		status, _ := post(t, app, payload, signed(payload, secret))
		assert.Equal(t, 200, status)
	}

	var notices []domain.SettlementNotice
	require.NoError(t, db.Find(&notices).Error)
	require.Len(t, notices, 1)
	assert.Equal(t, "evt_cancel", notices[0].ProviderEventID)
	assert.Equal(t, res.PurchaseID, notices[0].PurchaseID)
	assert.Equal(t, domain.StatusCancelled, notices[0].PurchaseStatus)

	p, err := svc.GetPurchase(context.Background(), res.PurchaseID, "0xbuyer")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, p.Status)
}
