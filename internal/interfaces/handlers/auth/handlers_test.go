package auth

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"codemarket-backend/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("auth-secret")

func setupAuthApp(devLogin bool) *fiber.App {
	h := &Handlers{Secret: secret, TokenTTL: time.Hour, DevLogin: devLogin}
	app := fiber.New()
	app.Use(middleware.Authenticate(secret))
	app.Post("/auth/login", h.Login)
	app.Get("/auth/me", h.Me)
	return app
}

func decode(t *testing.T, body io.Reader) map[string]interface{} {
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func login(t *testing.T, app *fiber.App, body string) (int, map[string]interface{}) {
	req := httptest.NewRequest("POST", "/auth/login", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode, decode(t, resp.Body)
}

func TestMe_Unauthenticated(t *testing.T) {
	app := setupAuthApp(true)
	resp, err := app.Test(httptest.NewRequest("GET", "/auth/me", nil))
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)
	out := decode(t, resp.Body)
	assert.Equal(t, "error", out["status"])
	assert.Equal(t, "Not authenticated", out["error"].(map[string]interface{})["message"])
}

func TestLoginThenMe(t *testing.T) {
	app := setupAuthApp(true)
	status, out := login(t, app, `{"address":"0xabc123"}`)
	require.Equal(t, 200, status)
	data := out["data"].(map[string]interface{})
	token := data["token"].(string)
	assert.Equal(t, "Bearer", data["token_type"])
	assert.Equal(t, float64(3600), data["expires_in"])

	req := httptest.NewRequest("GET", "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	user := decode(t, resp.Body)["data"].(map[string]interface{})["user"].(map[string]interface{})
	assert.Equal(t, "0xabc123", user["address"])
}

func TestLogin_Rejections(t *testing.T) {
	app := setupAuthApp(true)
	status, _ := login(t, app, `{"address":""}`)
	assert.Equal(t, 400, status)
	status, _ = login(t, app, `not json`)
	assert.Equal(t, 400, status)

	status, _ = login(t, setupAuthApp(false), `{"address":"0xabc123"}`)
	assert.Equal(t, 404, status)
}
