package billing

import "time"

const (
	EventCheckoutSessionCompleted = "checkout.session.completed"

	// MetadataUserIDKey is the checkout session metadata key carrying the buyer.
	MetadataUserIDKey = "userId"
)

// Event is a verified provider webhook event. Checkout is only set for
// checkout.session.completed.
type Event struct {
	ID       string
	Type     string
	Payload  []byte
	Checkout *CheckoutEvent
}

// CheckoutEvent is the part of a completed checkout session the reconciler needs.
// The purchased price is not on the event and has to be fetched from the provider.
type CheckoutEvent struct {
	EventID       string
	SessionID     string
	UserID        string
	CustomerEmail string
}

// CheckoutSessionRequest is what the provider needs to open a hosted checkout.
type CheckoutSessionRequest struct {
	UserID     string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the provider handle returned to the browser.
type CheckoutSession struct {
	ID  string `json:"sessionId"`
	URL string `json:"url"`
}

// CreditResult describes an applied credit.
type CreditResult struct {
	TransactionID string
	UserID        string
	SessionID     string
	Tokens        int64
	AppliedAt     time.Time
}

// SweepResult counts the outcome of one sweeper pass.
type SweepResult struct {
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// WebhookOutcome tells the HTTP layer how a delivery was handled.
type WebhookOutcome struct {
	EventID   string
	EventType string
	Duplicate bool
	Ignored   bool
	Credit    *CreditResult
}
