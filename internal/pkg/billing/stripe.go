package billing

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
)

// Provider is the subset of the payment provider API the service consumes.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error)
	// SessionPriceID returns the price of the first priced line item of a session.
	SessionPriceID(ctx context.Context, sessionID string) (string, error)
}

type StripeClient struct {
	SecretKey  string
	APIBaseURL string
	HTTPClient *http.Client

	sessions *session.Client
}

// NewStripeClient builds a Stripe client. An empty apiBaseURL uses api.stripe.com.
func NewStripeClient(secretKey, apiBaseURL string, timeout time.Duration) *StripeClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &StripeClient{
		SecretKey:  strings.TrimSpace(secretKey),
		APIBaseURL: strings.TrimRight(strings.TrimSpace(apiBaseURL), "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}

	cfg := &stripe.BackendConfig{
		HTTPClient:        c.HTTPClient,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if c.APIBaseURL != "" {
		cfg.URL = stripe.String(c.APIBaseURL)
	}
	c.sessions = &session.Client{
		B:   stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Key: c.SecretKey,
	}
	return c
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata(MetadataUserIDKey, req.UserID)

	s, err := c.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create checkout session: %w", err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (c *StripeClient) SessionPriceID(ctx context.Context, sessionID string) (string, error) {
	params := &stripe.CheckoutSessionListLineItemsParams{
		Session: stripe.String(sessionID),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := c.sessions.ListLineItems(params)
	for iter.Next() {
		item := iter.LineItem()
		if item != nil && item.Price != nil && item.Price.ID != "" {
			return item.Price.ID, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("stripe list line items for %s: %w", sessionID, err)
	}
	return "", fmt.Errorf("checkout session %s has no priced line item", sessionID)
}
