package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration (env + Viper).
type Config struct {
	Env         string
	Port        string
	DatabaseURL string
	RedisURL    string
	LogLevel    string

	ContentSecret    string // HMAC secret for preview watermarks
	KeyEncryptionKey []byte // 32 bytes, seals per-listing content keys
	JWTSecret        string
	AccessTokenTTL   time.Duration
	DevLogin         bool

	SettlementProvider  string // "stripe" or "memory"
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeCurrency      string
	SettlementTimeout   time.Duration

	EscrowWindow        time.Duration
	EscrowSweepInterval time.Duration
	PreviewMaxLines     int
	RateLimitPerMinute  int

	FrontendURLEndsWith string
	DevPassword         string
	HealthAdminKey      string
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool { return c.Env == "production" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SETTLEMENT_PROVIDER", "memory")
	v.SetDefault("STRIPE_CURRENCY", "usd")
	v.SetDefault("ESCROW_WINDOW", "48h")
	v.SetDefault("ESCROW_SWEEP_INTERVAL", "5m")
	v.SetDefault("SETTLEMENT_TIMEOUT", "10s")
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("PREVIEW_MAX_LINES", 10)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 100)
	v.SetDefault("DEV_LOGIN", false)
}

// Load loads config from env and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := &Config{
		Env:                 strings.ToLower(v.GetString("APP_ENV")),
		Port:                v.GetString("PORT"),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		RedisURL:            v.GetString("REDIS_URL"),
		LogLevel:            v.GetString("LOG_LEVEL"),
		ContentSecret:       v.GetString("CONTENT_SECRET"),
		JWTSecret:           v.GetString("JWT_SECRET"),
		AccessTokenTTL:      v.GetDuration("ACCESS_TOKEN_TTL"),
		DevLogin:            v.GetBool("DEV_LOGIN"),
		SettlementProvider:  strings.ToLower(v.GetString("SETTLEMENT_PROVIDER")),
		StripeSecretKey:     v.GetString("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
		StripeCurrency:      v.GetString("STRIPE_CURRENCY"),
		SettlementTimeout:   v.GetDuration("SETTLEMENT_TIMEOUT"),
		EscrowWindow:        v.GetDuration("ESCROW_WINDOW"),
		EscrowSweepInterval: v.GetDuration("ESCROW_SWEEP_INTERVAL"),
		PreviewMaxLines:     v.GetInt("PREVIEW_MAX_LINES"),
		RateLimitPerMinute:  v.GetInt("RATE_LIMIT_PER_MINUTE"),
		FrontendURLEndsWith: v.GetString("FRONTEND_URL_ENDS_WITH"),
		DevPassword:         v.GetString("DEV_PASSWORD"),
		HealthAdminKey:      v.GetString("HEALTH_ADMIN_KEY"),
	}

	if kek := strings.TrimSpace(v.GetString("KEY_ENCRYPTION_KEY")); kek != "" {
		b, err := hex.DecodeString(kek)
		if err != nil || len(b) != 32 {
			return nil, fmt.Errorf("KEY_ENCRYPTION_KEY must be 64 hex characters")
		}
		cfg.KeyEncryptionKey = b
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.SettlementProvider {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("SETTLEMENT_PROVIDER=memory is not allowed in production")
		}
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required for the stripe settlement provider")
		}
	default:
		return fmt.Errorf("unknown SETTLEMENT_PROVIDER %q", c.SettlementProvider)
	}
	if c.IsProduction() {
		var missing []string
		if c.ContentSecret == "" {
			missing = append(missing, "CONTENT_SECRET")
		}
		if c.JWTSecret == "" {
			missing = append(missing, "JWT_SECRET")
		}
		if c.KeyEncryptionKey == nil {
			missing = append(missing, "KEY_ENCRYPTION_KEY")
		}
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
		}
		if c.DevLogin {
			return fmt.Errorf("DEV_LOGIN cannot be enabled in production")
		}
	}
	for name, d := range map[string]time.Duration{
		"ESCROW_WINDOW":         c.EscrowWindow,
		"ESCROW_SWEEP_INTERVAL": c.EscrowSweepInterval,
		"SETTLEMENT_TIMEOUT":    c.SettlementTimeout,
		"ACCESS_TOKEN_TTL":      c.AccessTokenTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	if c.PreviewMaxLines <= 0 || c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("PREVIEW_MAX_LINES and RATE_LIMIT_PER_MINUTE must be positive")
	}
	return nil
}
