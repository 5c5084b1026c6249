package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/fractiverse/router/internal/pkg/constants"
	"github.com/fractiverse/router/internal/pkg/middleware"
)

const (
	checkoutRateLimit  = 20
	checkoutRateWindow = time.Minute
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	bc := h.deps.Billing

	// Checkout creation is public, so it is rate limited per client IP.
	// Webhooks come from Stripe and must never be throttled.
	app.Post(constants.CheckoutSessionRoute, limiter.New(limiter.Config{
		Max:        checkoutRateLimit,
		Expiration: checkoutRateWindow,
		Storage:    h.deps.LimiterStorage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "Too many requests"})
		},
	}), bc.HandleCreateCheckoutSession)
	app.Post(constants.StripeWebhookRoute, bc.HandleStripeWebhook)

	app.Get(constants.PricesRoute, bc.HandleListPrices)

	operator := middleware.OperatorKeyMiddleware(h.deps.OperatorAPIKey)
	app.Get(constants.BalanceRoute, operator, bc.HandleGetBalance)
	app.Post(constants.ReconcileRoute, operator, bc.HandleReconcile)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
