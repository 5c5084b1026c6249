package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fractiverse/router/app/controllers"
	"github.com/fractiverse/router/internal/pkg/config"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies carries what the routers need from main.
type Dependencies struct {
	Billing        *controllers.BillingController
	OperatorAPIKey string
	Metrics        config.MetricsConfig
	Gatherer       prometheus.Gatherer
	// LimiterStorage is optional; nil keeps the limiter in memory.
	LimiterStorage fiber.Storage
	// Ready reports dependency health for /healthz; nil means always ready.
	Ready func() error
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Operational routes first so /healthz and /metrics bypass the API limiter.
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
