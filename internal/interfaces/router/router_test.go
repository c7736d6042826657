package router

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codemarket-backend/internal/config"
	"codemarket-backend/internal/domain"
	"codemarket-backend/internal/infrastructure/settlement"
	"codemarket-backend/internal/middleware"
	"codemarket-backend/internal/pkg/identity"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                 "test",
		JWTSecret:           "router-jwt",
		ContentSecret:       "router-content",
		AccessTokenTTL:      15 * time.Minute,
		SettlementProvider:  "memory",
		SettlementTimeout:   time.Second,
		EscrowWindow:        48 * time.Hour,
		EscrowSweepInterval: time.Minute,
		PreviewMaxLines:     2,
		RateLimitPerMinute:  1000,
		HealthAdminKey:      "admin",
	}
}

func setupApp(t *testing.T) (*App, *settlement.MemoryService, *miniredis.Miniredis) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(domain.Models()...))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	ledger := settlement.NewMemoryService()
	app, err := CreateApp(testConfig(), Options{DB: db, Rdb: rdb, Settlement: ledger})
	require.NoError(t, err)
	return app, ledger, mr
}

func authed(t *testing.T, req *http.Request, address string) *http.Request {
	tok, err := identity.Sign([]byte("router-jwt"), address, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func data(t *testing.T, resp *http.Response) map[string]interface{} {
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	d, _ := out["data"].(map[string]interface{})
	return d
}

func TestCreateApp_RequiresDatabase(t *testing.T) {
	_, err := CreateApp(testConfig(), Options{})
	assert.Error(t, err)
}

func TestEndToEnd_ListBuyDownloadReview(t *testing.T) {
	a, ledger, mr := setupApp(t)
	app := a.Fiber
	code := "package main\n\nfunc main() {\n\tprintln(\"paid\")\n}\n"

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range map[string]string{"title": "Hello", "description": "prints", "language": "go", "price": "4.99", "tags": "cli"} {
		require.NoError(t, w.WriteField(k, v))
	}
	fw, err := w.CreateFormFile("code", "main.go")
	require.NoError(t, err)
	_, err = fw.Write([]byte(code))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	req := authed(t, httptest.NewRequest("POST", "/api/v1/listings", &buf), "0xseller")
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, 201, resp.StatusCode)
	listing := data(t, resp)
	listingID := listing["id"].(string)
	assert.Equal(t, "package main\n", listing["preview"])

	req = authed(t, httptest.NewRequest("POST", "/api/v1/purchases", bytes.NewBufferString(`{"listing_id":"`+listingID+`"}`)), "0xbuyer")
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, 201, resp.StatusCode)
	initiated := data(t, resp)
	purchaseID := initiated["purchase_id"].(string)
	txRef := initiated["transaction_ref"].(string)
	assert.NotEmpty(t, initiated["client_secret"])

	ledger.Finalize(txRef)
	resp, err = app.Test(authed(t, httptest.NewRequest("POST", "/api/v1/purchases/"+purchaseID+"/confirm", nil), "0xbuyer"))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "completed", data(t, resp)["status"])
	assert.True(t, ledger.Captured(txRef))

	resp, err = app.Test(authed(t, httptest.NewRequest("GET", "/api/v1/purchases/"+purchaseID+"/content", nil), "0xbuyer"))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, code, string(body))
	token := resp.Header.Get("X-Access-Token")

	resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/downloads/"+token, nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	req = authed(t, httptest.NewRequest("POST", "/api/v1/purchases/"+purchaseID+"/review", bytes.NewBufferString(`{"rating":4}`)), "0xbuyer")
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, 201, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/listings/"+listingID, nil))
	require.NoError(t, err)
	listing = data(t, resp)
	assert.Equal(t, float64(4), listing["rating"])
	assert.Equal(t, float64(1), listing["purchase_count"])

	// Request stats were recorded.
	total, err := mr.Get(middleware.KeyReqTotal)
	require.NoError(t, err)
	assert.NotEqual(t, "0", total)
}

func TestRoutes_AuthAndHealth(t *testing.T) {
	a, _, _ := setupApp(t)
	app := a.Fiber

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/purchases/mine", nil))
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)

	req := httptest.NewRequest("GET", "/api/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)

	resp, err = app.Test(authed(t, httptest.NewRequest("GET", "/api/v1/auth/me", nil), "0xbuyer"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/api/v1/listings", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-Id"))

	resp, err = app.Test(httptest.NewRequest("GET", "/health/json", nil))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	resp, err = app.Test(httptest.NewRequest("POST", "/admin/escrow/sweep?key=admin", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("POST", "/api/v1/settlement/webhook", bytes.NewBufferString(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}
