package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/fractiverse/router/app/controllers"
	"github.com/fractiverse/router/internal/pkg/billing"
	"github.com/fractiverse/router/internal/pkg/cache"
	"github.com/fractiverse/router/internal/pkg/config"
	"github.com/fractiverse/router/internal/pkg/database"
	"github.com/fractiverse/router/internal/pkg/env"
	"github.com/fractiverse/router/internal/pkg/events"
	"github.com/fractiverse/router/internal/pkg/metrics"
	"github.com/fractiverse/router/internal/pkg/router"
)

const shutdownTimeout = 10 * time.Second

// application bundles the HTTP app with the resources main must release.
type application struct {
	app       *fiber.App
	sweeper   *billing.Sweeper
	publisher events.Publisher
	closers   []func() error
}

func main() {
	env.SetupEnvFile()
	cfg, err := config.Load(env.Environment())
	if err != nil {
		log.Fatalf("[Main] Invalid configuration: %v", err)
	}

	if cfg.IsDev() {
		log.SetLevel(log.LevelDebug)
	} else {
		log.SetLevel(log.LevelInfo)
	}

	a, err := newApplication(cfg)
	if err != nil {
		log.Fatalf("[Main] Startup failed: %v", err)
	}

	a.sweeper.Start()

	go func() {
		if err := a.app.Listen(cfg.ListenAddr()); err != nil {
			log.Errorf("[Main] Server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("[Main] Shutting down")

	a.shutdown()
}

func newApplication(cfg config.Config) (*application, error) {
	a := &application{}

	repo, ready, err := setupRepository(cfg.Database, a)
	if err != nil {
		return nil, err
	}

	// Without Redis the reconciler and sweeper fall back to an always-granted lock.
	var locker billing.CreditLocker
	if cfg.Cache.Enabled() {
		rdb := cache.SetupCache(cfg.Cache)
		locker = cache.NewRedisLocker(rdb)
		a.closers = append(a.closers, cache.Close)
	} else {
		log.Warn("[Main] CACHE_HOST not set, credits run without distributed locks")
	}

	a.publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled() {
		p, err := events.NewKafkaPublisher(cfg.Kafka.BootstrapServers, cfg.Kafka.PurchaseTopic)
		if err != nil {
			return nil, err
		}
		a.publisher = p
	} else {
		log.Warn("[Main] KAFKA_BOOTSTRAP_SERVERS not set, purchase events are not published")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)

	catalog, err := billing.ParseCatalog(cfg.Billing.PriceCatalog)
	if err != nil {
		return nil, err
	}

	stripeClient := billing.NewStripeClient(cfg.Stripe.SecretKey, cfg.Stripe.APIBaseURL, cfg.Stripe.Timeout)
	initiator := billing.NewCheckoutInitiator(catalog, stripeClient, cfg.SuccessURL(), cfg.CancelURL(), m)
	reconciler := billing.NewReconciler(catalog, stripeClient, repo,
		billing.WithCreditLocker(locker, cfg.Billing.CreditLockTTL),
		billing.WithPublisher(a.publisher),
		billing.WithMetrics(m),
		billing.WithProviderTimeout(cfg.Stripe.Timeout),
	)
	service := billing.NewService(repo, billing.NewWebhookVerifier(cfg.Stripe.WebhookSecret), reconciler, m)
	a.sweeper = billing.NewSweeper(repo, billing.SweeperConfig{
		Interval: cfg.Billing.SweepInterval,
		Grace:    cfg.Billing.SweepGrace,
		Locker:   locker,
		LockTTL:  cfg.Billing.CreditLockTTL,
		Metrics:  m,
	})

	app := fiber.New(fiber.Config{
		// Stripe events are small; anything larger is not a webhook.
		BodyLimit: 1 * 1024 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if _, err := os.Stat("public/docs/v1/openapi.yml"); err == nil {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: "public/docs/v1/openapi.yml",
			Path:     "v1",
		}))
	}

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Billing:        controllers.NewBillingController(initiator, service, a.sweeper, catalog),
		OperatorAPIKey: cfg.OperatorAPIKey,
		Metrics:        cfg.Metrics,
		Gatherer:       reg,
		LimiterStorage: cache.NewLimiterStorage(cfg.Cache),
		Ready:          ready,
	})

	a.app = app
	return a, nil
}

// setupRepository opens the configured store. MySQL goes through GORM with
// auto-migration; Postgres uses database/sql and the migrated
// update_token_balance function.
func setupRepository(cfg config.DatabaseConfig, a *application) (billing.Repository, func() error, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := database.OpenPostgres(cfg)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, db.Close)
		return billing.NewPostgresRepository(db), pingFunc(db), nil
	default:
		db, err := database.SetupDatabase(cfg)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, sqlDB.Close)
		return billing.NewRepository(db), pingFunc(sqlDB), nil
	}
}

func pingFunc(db *sql.DB) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	}
}

func (a *application) shutdown() {
	if err := a.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Errorf("[Main] HTTP shutdown: %v", err)
	}
	a.sweeper.Stop()
	a.publisher.Close()

	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	if err := errors.Join(errs...); err != nil {
		log.Errorf("[Main] Closing resources: %v", err)
	}
}
