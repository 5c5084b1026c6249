package constants

// Public route constants
const (
	CheckoutSessionRoute = "/api/create-checkout-session"
	StripeWebhookRoute   = "/api/webhook"
	PricesRoute          = "/api/v1/prices"
	BalanceRoute         = "/api/v1/balances/:userId"
	ReconcileRoute       = "/api/v1/reconcile"
	HealthRoute          = "/healthz"
	MetricsRoute         = "/metrics"
)
