package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fractiverse/router/app/models"
	"github.com/fractiverse/router/internal/pkg/events"
	"github.com/fractiverse/router/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

const (
	creditLockPrefix       = "billing:credit:"
	defaultCreditLockTTL   = 30 * time.Second
	defaultProviderTimeout = 15 * time.Second
	publishTimeout         = 5 * time.Second
)

// CreditLocker serializes work on one checkout session across instances.
type CreditLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

type PurchasePublisher interface {
	PublishPurchase(ctx context.Context, p events.Purchase) error
}

// Reconciler turns completed checkout sessions into token credits.
type Reconciler struct {
	catalog  *Catalog
	provider Provider
	ledger   TxLedger

	locker          CreditLocker
	lockTTL         time.Duration
	publisher       PurchasePublisher
	metrics         *metrics.Metrics
	providerTimeout time.Duration
	now             func() time.Time
}

type ReconcilerOption func(*Reconciler)

func WithCreditLocker(l CreditLocker, ttl time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.locker = l
		}
		if ttl > 0 {
			r.lockTTL = ttl
		}
	}
}

func WithPublisher(p PurchasePublisher) ReconcilerOption {
	return func(r *Reconciler) { r.publisher = p }
}

func WithMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// WithProviderTimeout bounds the line item lookup against the provider.
func WithProviderTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.providerTimeout = d
		}
	}
}

func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler requires a transactional ledger so the balance increment and
// the applied mark always commit together.
func NewReconciler(catalog *Catalog, provider Provider, ledger TxLedger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		catalog:         catalog,
		provider:        provider,
		ledger:          ledger,
		locker:          noLocker{},
		lockTTL:         defaultCreditLockTTL,
		providerTimeout: defaultProviderTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleCheckoutCompleted credits the buyer of a completed checkout session.
// The transaction row is committed first. The balance increment and the
// applied mark then run in one store transaction, so a failed credit leaves
// an unapplied row that a later delivery or the sweeper applies once.
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, ev *CheckoutEvent) (*CreditResult, error) {
	if ev == nil || strings.TrimSpace(ev.SessionID) == "" {
		return nil, fmt.Errorf("%w: checkout event without session id", ErrInvalidPayload)
	}
	userID := strings.TrimSpace(ev.UserID)
	if userID == "" {
		return nil, fmt.Errorf("%w: session %s", ErrMissingUserID, ev.SessionID)
	}

	priceID, err := r.lookupPrice(ctx, ev.SessionID)
	if err != nil {
		return nil, err
	}
	tokens, err := r.catalog.Resolve(priceID)
	if err != nil {
		return nil, err
	}

	unlock, ok, err := r.locker.TryLock(ctx, creditLockPrefix+ev.SessionID, r.lockTTL)
	switch {
	case err != nil:
		log.Warnf("[Billing] Credit lock unavailable for session %s, continuing without it: %v", ev.SessionID, err)
	case !ok:
		return nil, fmt.Errorf("%w: session %s", ErrCreditInProgress, ev.SessionID)
	default:
		defer unlock()
	}

	result, err := r.credit(ctx, userID, ev.SessionID, tokens)
	if err != nil {
		return nil, err
	}

	log.Infof("[Billing] Credited %d tokens to user %s for session %s (transaction %s)",
		result.Tokens, result.UserID, result.SessionID, result.TransactionID)
	r.metrics.AddTokensCredited(result.Tokens)
	r.publish(ctx, result, ev.CustomerEmail)
	return result, nil
}

func (r *Reconciler) lookupPrice(ctx context.Context, sessionID string) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, r.providerTimeout)
	defer cancel()

	priceID, err := r.provider.SessionPriceID(pctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderQueryFailed, err)
	}
	if strings.TrimSpace(priceID) == "" {
		return "", fmt.Errorf("%w: session %s has no price", ErrProviderQueryFailed, sessionID)
	}
	return priceID, nil
}

func (r *Reconciler) credit(ctx context.Context, userID, sessionID string, tokens int64) (*CreditResult, error) {
	created, stored, err := r.ledger.InsertTransaction(ctx, models.NewCreditTransaction(userID, tokens, sessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransactionWriteFailed, err)
	}
	if !created {
		if stored.IsApplied() {
			return nil, ErrAlreadyProcessed
		}
		log.Warnf("[Billing] Resuming unapplied transaction %s for session %s", stored.ID, sessionID)
	}
	return creditTransaction(ctx, r.ledger, stored, r.now())
}

func (r *Reconciler) publish(ctx context.Context, result *CreditResult, email string) {
	if r.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err := r.publisher.PublishPurchase(pctx, events.Purchase{
		UserID:         result.UserID,
		UserEmail:      email,
		CoinsPurchased: result.Tokens,
		TransactionID:  result.TransactionID,
	})
	if err != nil {
		r.metrics.IncPublishFailure()
		log.Errorf("[Billing] Failed to publish purchase for transaction %s: %v", result.TransactionID, err)
	}
}

// creditTransaction applies t inside a store transaction.
func creditTransaction(ctx context.Context, ledger TxLedger, t *models.TokenTransaction, at time.Time) (*CreditResult, error) {
	var result *CreditResult
	err := ledger.WithinTransaction(ctx, func(l Ledger) error {
		var err error
		result, err = applyTransaction(ctx, l, t, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyTransaction increments the balance for t and marks it applied. Any
// error, including a lost mark race reported as ErrAlreadyProcessed, rolls
// the surrounding transaction and its increment back.
func applyTransaction(ctx context.Context, l Ledger, t *models.TokenTransaction, at time.Time) (*CreditResult, error) {
	if err := l.IncrementBalance(ctx, t.UserID, t.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBalanceUpdateFailed, err)
	}
	marked, err := l.MarkApplied(ctx, t.ID, at)
	if err != nil {
		return nil, fmt.Errorf("%w: mark applied: %v", ErrBalanceUpdateFailed, err)
	}
	if !marked {
		return nil, ErrAlreadyProcessed
	}
	return &CreditResult{
		TransactionID: t.ID,
		UserID:        t.UserID,
		SessionID:     t.StripeSessionID,
		Tokens:        t.Amount,
		AppliedAt:     at,
	}, nil
}

// IsBenign reports errors that should be acknowledged to the provider.
func IsBenign(err error) bool {
	return errors.Is(err, ErrAlreadyProcessed)
}

type noLocker struct{}

func (noLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}
