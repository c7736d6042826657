package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp keeps a developer's .env out of the test.
func chdirTemp(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("APP_ENV", "development")
	for _, k := range []string{"PORT", "SETTLEMENT_PROVIDER", "ESCROW_WINDOW", "ACCESS_TOKEN_TTL", "RATE_LIMIT_PER_MINUTE"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.SettlementProvider)
	assert.Equal(t, 48*time.Hour, cfg.EscrowWindow)
	assert.Equal(t, 5*time.Minute, cfg.EscrowSweepInterval)
	assert.Equal(t, 10*time.Second, cfg.SettlementTimeout)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 10, cfg.PreviewMaxLines)
	assert.Equal(t, 100, cfg.RateLimitPerMinute)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("APP_ENV", "development")
	t.Setenv("PORT", "9000")
	t.Setenv("ESCROW_WINDOW", "2h")
	t.Setenv("KEY_ENCRYPTION_KEY", strings.Repeat("ab", 32))
	t.Setenv("RATE_LIMIT_PER_MINUTE", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 2*time.Hour, cfg.EscrowWindow)
	assert.Len(t, cfg.KeyEncryptionKey, 32)
	assert.Equal(t, 7, cfg.RateLimitPerMinute)
}

func TestLoad_Rejects(t *testing.T) {
	chdirTemp(t)
	cases := map[string]map[string]string{
		"short kek":        {"KEY_ENCRYPTION_KEY": "abcd"},
		"unknown provider": {"SETTLEMENT_PROVIDER": "paypal"},
		"stripe no key":    {"SETTLEMENT_PROVIDER": "stripe", "STRIPE_SECRET_KEY": ""},
		"bad duration":     {"ESCROW_WINDOW": "0s"},
		"prod memory":      {"APP_ENV": "production", "SETTLEMENT_PROVIDER": "memory"},
		"prod missing": {
			"APP_ENV": "production", "SETTLEMENT_PROVIDER": "stripe", "STRIPE_SECRET_KEY": "sk_test",
			"JWT_SECRET": "", "CONTENT_SECRET": "", "KEY_ENCRYPTION_KEY": "", "DATABASE_URL": "",
		},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("APP_ENV", "development")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
