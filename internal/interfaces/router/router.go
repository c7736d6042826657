package router

import (
	"fmt"
	"net/http"

	"codemarket-backend/internal/application/accesstoken"
	eventsvc "codemarket-backend/internal/application/events"
	listsvc "codemarket-backend/internal/application/listings"
	purchasesvc "codemarket-backend/internal/application/purchases"
	reviewsvc "codemarket-backend/internal/application/reviews"
	"codemarket-backend/internal/config"
	"codemarket-backend/internal/infrastructure/database"
	"codemarket-backend/internal/infrastructure/keystore"
	"codemarket-backend/internal/infrastructure/settlement"
	authhandler "codemarket-backend/internal/interfaces/handlers/auth"
	healthhandler "codemarket-backend/internal/interfaces/handlers/health"
	listhandler "codemarket-backend/internal/interfaces/handlers/listings"
	payhandler "codemarket-backend/internal/interfaces/handlers/payments"
	purchhandler "codemarket-backend/internal/interfaces/handlers/purchases"
	"codemarket-backend/internal/middleware"
	"codemarket-backend/internal/pkg/contentcipher"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type gormDBPinger struct {
	db *gorm.DB
}

func (g *gormDBPinger) Ping() error {
	if g == nil || g.db == nil {
		return nil
	}
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// App is the assembled HTTP app plus the long-lived pieces cmd/api runs and closes.
type App struct {
	Fiber       *fiber.App
	DB          *gorm.DB
	Rdb         *redis.Client
	Sweeper     *purchasesvc.Sweeper
	RateLimiter *middleware.RateLimiter
}

// Close releases the database and Redis connections.
func (a *App) Close() {
	if a.Rdb != nil {
		_ = a.Rdb.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// Options overrides dependencies CreateApp would otherwise build from config.
type Options struct {
	DB         *gorm.DB
	Rdb        *redis.Client
	Settlement settlement.Service
}

func newSettlement(cfg *config.Config) settlement.Service {
	if cfg.SettlementProvider == "stripe" {
		return settlement.NewStripeService(cfg.StripeSecretKey, cfg.StripeCurrency, nil)
	}
	log.Warn().Msg("using in-memory settlement ledger; funds are not real")
	return settlement.NewMemoryService()
}

func secretOrDev(v, name string) []byte {
	if v == "" {
		log.Warn().Str("key", name).Msg("secret not configured; using development default")
		return []byte("codemarket-dev-" + name)
	}
	return []byte(v)
}

// CreateApp wires services and routes from cfg.
func CreateApp(cfg *config.Config, opts Options) (*App, error) {
	var err error
	db := opts.DB
	if db == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
		if db, err = database.Open(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		if err := database.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}

	rdb := opts.Rdb
	if rdb == nil && cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(ropts)
	}

	ledger := opts.Settlement
	if ledger == nil {
		ledger = newSettlement(cfg)
	}

	contentSecret := secretOrDev(cfg.ContentSecret, "content")
	kek := cfg.KeyEncryptionKey
	if kek == nil {
		if kek, err = contentcipher.DeriveKey(secretOrDev("", "key-encryption"), "codemarket/kek/dev"); err != nil {
			return nil, err
		}
	}
	keys, err := keystore.NewGormStore(db, kek)
	if err != nil {
		return nil, err
	}
	wm, err := contentcipher.NewWatermarker(contentSecret)
	if err != nil {
		return nil, err
	}
	jwtSecret := secretOrDev(cfg.JWTSecret, "jwt")
	tokens, err := accesstoken.NewService(contentSecret, cfg.AccessTokenTTL)
	if err != nil {
		return nil, err
	}

	listings := &listsvc.Service{DB: db, Keys: keys, Watermarker: wm, PreviewLines: cfg.PreviewMaxLines}
	purchases := &purchasesvc.Service{
		DB:                db,
		Settlement:        ledger,
		Keys:              keys,
		Tokens:            tokens,
		EscrowWindow:      cfg.EscrowWindow,
		SettlementTimeout: cfg.SettlementTimeout,
	}
	reviews := &reviewsvc.Service{DB: db}
	events := &eventsvc.Service{DB: db}
	sweeper := &purchasesvc.Sweeper{Service: purchases, Rdb: rdb, Interval: cfg.EscrowSweepInterval}
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute)

	app := fiber.New(fiber.Config{
		DisableStartupMessage:   true,
		ErrorHandler:            middleware.ErrorHandler,
		EnableTrustedProxyCheck: true,
		BodyLimit:               16 * 1024 * 1024,
	})

	app.Use(middleware.Tracing())
	app.Use(middleware.RouteLogger())
	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedSuffix: cfg.FrontendURLEndsWith,
		DevPassword:   cfg.DevPassword,
	}))

	// The webhook reads the raw body and authenticates by signature, so it
	// sits ahead of rate limiting and bearer auth.
	wh := &payhandler.WebhookHandler{DB: db, Purchases: purchases, WebhookSecret: cfg.StripeWebhookSecret}
	app.Post("/api/v1/settlement/webhook", wh.HandleWebhook)

	app.Use(limiter.Handler())
	app.Use(middleware.HealthMarker(rdb))

	hh := &healthhandler.Handlers{
		Rdb:               rdb,
		DB:                &gormDBPinger{db: db},
		Settlement:        ledger,
		SettlementTimeout: cfg.SettlementTimeout,
		Sweeper:           sweeper,
		HealthAdminKey:    cfg.HealthAdminKey,
	}
	app.Get("/reset", hh.Reset)
	app.Get("/health/json", hh.JSON)
	app.Get("/health/errors", hh.Errors)
	app.Post("/admin/escrow/sweep", hh.Sweep)

	api := app.Group("/api/v1", middleware.Authenticate(jwtSecret))

	ah := &authhandler.Handlers{Secret: jwtSecret, TokenTTL: cfg.AccessTokenTTL, DevLogin: cfg.DevLogin}
	api.Post("/auth/login", ah.Login)
	api.Get("/auth/me", middleware.RequireAuth(), ah.Me)

	lh := &listhandler.Handlers{Service: listings, Reviews: reviews, Events: events}
	api.Get("/listings", lh.Catalog)
	api.Get("/listings/owner/:address", lh.OwnerListings)
	api.Post("/listings", middleware.RequireAuth(), lh.CreateListing)
	api.Post("/listings/watermarks/trace", middleware.RequireAuth(), lh.TraceWatermark)
	api.Get("/listings/:id", lh.GetListing)
	api.Get("/listings/:id/reviews", lh.ListingReviews)
	api.Put("/listings/:id", middleware.RequireAuth(), lh.UpdateListing)
	api.Delete("/listings/:id", middleware.RequireAuth(), lh.DeactivateListing)
	api.Get("/listings/:id/events", middleware.RequireAuth(), lh.ListingEvents)

	ph := &purchhandler.Handlers{Service: purchases, Reviews: reviews, Events: events}
	api.Get("/downloads/:token", middleware.NoStore(), ph.VerifyDownload)
	pg := api.Group("/purchases", middleware.RequireAuth())
	pg.Post("/", ph.InitiatePurchase)
	pg.Get("/mine", ph.ListBuyerPurchases)
	pg.Get("/sales", ph.ListSellerSales)
	pg.Get("/:id", ph.GetPurchase)
	pg.Post("/:id/confirm", ph.ConfirmSettlement)
	pg.Post("/:id/cancel", ph.CancelPurchase)
	pg.Post("/:id/dispute", ph.DisputePurchase)
	pg.Get("/:id/content", middleware.NoStore(), ph.RequestContent)
	pg.Post("/:id/review", ph.SubmitReview)
	pg.Get("/:id/events", ph.PurchaseEvents)

	return &App{Fiber: app, DB: db, Rdb: rdb, Sweeper: sweeper, RateLimiter: limiter}, nil
}

func Handler(app *fiber.App) http.Handler {
	return adaptor.FiberApp(app)
}
