package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/fractiverse/router/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

// CheckoutInitiator opens hosted checkout sessions for catalog prices.
type CheckoutInitiator struct {
	catalog    *Catalog
	provider   Provider
	successURL string
	cancelURL  string
	metrics    *metrics.Metrics
}

func NewCheckoutInitiator(catalog *Catalog, provider Provider, successURL, cancelURL string, m *metrics.Metrics) *CheckoutInitiator {
	return &CheckoutInitiator{
		catalog:    catalog,
		provider:   provider,
		successURL: successURL,
		cancelURL:  cancelURL,
		metrics:    m,
	}
}

// CreateSession validates the request against the catalog before the
// provider is contacted. No local state is written.
func (c *CheckoutInitiator) CreateSession(ctx context.Context, userID, priceID string) (*CheckoutSession, error) {
	userID = strings.TrimSpace(userID)
	priceID = strings.TrimSpace(priceID)
	if userID == "" || priceID == "" {
		c.metrics.IncCheckout("invalid_request")
		return nil, ErrMissingUserID
	}
	if !c.catalog.Contains(priceID) {
		c.metrics.IncCheckout("invalid_price")
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, priceID)
	}

	s, err := c.provider.CreateCheckoutSession(ctx, CheckoutSessionRequest{
		UserID:     userID,
		PriceID:    priceID,
		SuccessURL: c.successURL,
		CancelURL:  c.cancelURL,
	})
	if err != nil {
		c.metrics.IncCheckout("provider_error")
		log.Errorf("[Billing] Checkout session creation failed for user %s price %s: %v", userID, priceID, err)
		return nil, fmt.Errorf("%w: %v", ErrCheckoutCreationFailed, err)
	}

	c.metrics.IncCheckout("created")
	log.Infof("[Billing] Created checkout session %s for user %s", s.ID, userID)
	return s, nil
}
