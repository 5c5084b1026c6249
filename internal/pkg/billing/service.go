package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/fractiverse/router/app/models"
	"github.com/fractiverse/router/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

// Service receives Stripe webhook deliveries, records them and hands completed
// checkouts to the reconciler.
type Service struct {
	repo       Repository
	verifier   *WebhookVerifier
	reconciler *Reconciler
	metrics    *metrics.Metrics
}

func NewService(repo Repository, verifier *WebhookVerifier, reconciler *Reconciler, m *metrics.Metrics) *Service {
	return &Service{
		repo:       repo,
		verifier:   verifier,
		reconciler: reconciler,
		metrics:    m,
	}
}

// HandleWebhook authenticates and processes one delivery. A nil error means
// the delivery should be acknowledged with 200.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*WebhookOutcome, error) {
	start := time.Now()

	evt, err := s.verifier.Verify(payload, signatureHeader)
	if err != nil {
		s.metrics.ObserveWebhook("", ErrorCode(err), time.Since(start))
		log.Warnf("[Billing] Rejected webhook delivery: %v", err)
		return nil, err
	}
	out := &WebhookOutcome{EventID: evt.ID, EventType: evt.Type}

	stored := s.recordEvent(ctx, evt)
	if stored.ProcessedSuccessfully() {
		out.Duplicate = true
		s.metrics.ObserveWebhook(evt.Type, "duplicate", time.Since(start))
		log.Infof("[Billing] Webhook event %s already processed", evt.ID)
		return out, nil
	}

	if evt.Type != EventCheckoutSessionCompleted || evt.Checkout == nil {
		out.Ignored = true
		s.markProcessed(ctx, stored, nil)
		s.metrics.ObserveWebhook(evt.Type, "ignored", time.Since(start))
		return out, nil
	}

	credit, err := s.reconciler.HandleCheckoutCompleted(ctx, evt.Checkout)
	switch {
	case IsBenign(err):
		out.Duplicate = true
		s.markProcessed(ctx, stored, nil)
		s.metrics.ObserveWebhook(evt.Type, "duplicate", time.Since(start))
		log.Infof("[Billing] Checkout session %s already credited", evt.Checkout.SessionID)
		return out, nil
	case err != nil:
		s.markProcessed(ctx, stored, err)
		s.metrics.ObserveWebhook(evt.Type, ErrorCode(err), time.Since(start))
		log.Errorf("[Billing] Failed to reconcile event %s (session %s): %v", evt.ID, evt.Checkout.SessionID, err)
		return out, err
	}

	out.Credit = credit
	s.markProcessed(ctx, stored, nil)
	s.metrics.ObserveWebhook(evt.Type, "credited", time.Since(start))
	return out, nil
}

// Balance returns the current token balance of a user, zero when none exists.
func (s *Service) Balance(ctx context.Context, userID string) (*models.TokenBalance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrMissingUserID
	}
	return s.repo.GetBalance(ctx, userID)
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(ctx, event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(ctx, webhookEventID, errMsg)
}

// recordEvent stores the delivery for audit. Failures are logged only; the
// transaction table decides idempotency.
func (s *Service) recordEvent(ctx context.Context, evt *Event) *models.BillingWebhookEvent {
	_, stored, err := s.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: evt.ID,
		EventType:       evt.Type,
		PayloadJSON:     string(evt.Payload),
		SignatureValid:  true,
	})
	if err != nil {
		log.Warnf("[Billing] Could not record webhook event %s: %v", evt.ID, err)
		return nil
	}
	return stored
}

func (s *Service) markProcessed(ctx context.Context, stored *models.BillingWebhookEvent, processingErr error) {
	if stored == nil {
		return
	}
	if err := s.MarkWebhookProcessed(ctx, stored.ID, processingErr); err != nil {
		log.Warnf("[Billing] Could not mark webhook event %d processed: %v", stored.ID, err)
	}
}

// ErrorCode maps a billing error to a short machine-readable label used in
// metrics and error responses.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrMissingUserID):
		return "missing_user"
	case errors.Is(err, ErrProviderQueryFailed):
		return "provider_error"
	case errors.Is(err, ErrUnknownPrice):
		return "unknown_price"
	case errors.Is(err, ErrCreditInProgress):
		return "in_progress"
	case errors.Is(err, ErrTransactionWriteFailed):
		return "transaction_write_failed"
	case errors.Is(err, ErrBalanceUpdateFailed):
		return "balance_update_failed"
	default:
		return "error"
	}
}
