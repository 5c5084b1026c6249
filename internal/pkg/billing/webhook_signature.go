package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// WebhookVerifier authenticates Stripe webhook deliveries and parses them.
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{
		secret:    strings.TrimSpace(secret),
		tolerance: webhook.DefaultTolerance,
	}
}

// Verify checks the Stripe-Signature header over the exact raw body and only
// then decodes the event.
func (v *WebhookVerifier) Verify(payload []byte, signatureHeader string) (*Event, error) {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" {
		return nil, ErrMissingSignature
	}
	if v.secret == "" {
		return nil, fmt.Errorf("%w: webhook secret is not configured", ErrInvalidSignature)
	}

	evt, err := webhook.ConstructEventWithOptions(payload, sig, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, mapConstructEventError(err)
	}

	out := &Event{
		ID:      evt.ID,
		Type:    string(evt.Type),
		Payload: payload,
	}
	if out.Type != EventCheckoutSessionCompleted {
		return out, nil
	}

	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data object", ErrInvalidPayload, evt.ID)
	}
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("%w: decode checkout session: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(cs.ID) == "" {
		return nil, fmt.Errorf("%w: checkout session without id", ErrInvalidPayload)
	}
	out.Checkout = checkoutEventFromSession(evt.ID, &cs)
	return out, nil
}

func checkoutEventFromSession(eventID string, cs *stripe.CheckoutSession) *CheckoutEvent {
	ce := &CheckoutEvent{
		EventID:   eventID,
		SessionID: strings.TrimSpace(cs.ID),
	}
	if cs.Metadata != nil {
		ce.UserID = strings.TrimSpace(cs.Metadata[MetadataUserIDKey])
	}
	ce.CustomerEmail = strings.TrimSpace(cs.CustomerEmail)
	if ce.CustomerEmail == "" && cs.CustomerDetails != nil {
		ce.CustomerEmail = strings.TrimSpace(cs.CustomerDetails.Email)
	}
	return ce
}

func mapConstructEventError(err error) error {
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return ErrMissingSignature
	case errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrNoValidSignature),
		errors.Is(err, webhook.ErrTooOld):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
}
