package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fractiverse/router/internal/pkg/constants"
)

type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.HealthRoute, h.handleHealth)

	gatherer := h.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	metricsHandler := adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if h.deps.Metrics.User == "" || h.deps.Metrics.Password == "" {
		log.Warn("[Router] METRICS_USER/METRICS_PASSWORD not set, /metrics is disabled")
		return
	}
	app.Get(constants.MetricsRoute, basicauth.New(basicauth.Config{
		Users: map[string]string{
			h.deps.Metrics.User: h.deps.Metrics.Password,
		},
	}), metricsHandler)
}

func (h HttpRouter) handleHealth(c *fiber.Ctx) error {
	if h.deps.Ready != nil {
		if err := h.deps.Ready(); err != nil {
			log.Warnf("[Router] Health check failed: %v", err)
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
