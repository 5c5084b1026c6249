package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fractiverse/router/app/models"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	price100  = "price_1RCVnT09dcGq3dt0E2n0e8ut"
	price500  = "price_1RCVnp09dcGq3dt0wzYrvtwH"
	price1000 = "price_1RCVoG09dcGq3dt0eX4G80dp"
)

var errStore = errors.New("store unavailable")

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.TokenTransaction{}, &models.TokenBalance{}, &models.BillingWebhookEvent{}))
	return db
}

type fakeProvider struct {
	mu        sync.Mutex
	priceID   string
	priceErr  error
	delay     time.Duration
	createErr error
	lookups   int
	created   []CheckoutSessionRequest
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created = append(p.created, req)
	id := fmt.Sprintf("cs_test_%d", len(p.created))
	return &CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}, nil
}

func (p *fakeProvider) SessionPriceID(ctx context.Context, _ string) (string, error) {
	p.mu.Lock()
	p.lookups++
	priceID, priceErr, delay := p.priceID, p.priceErr, p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return priceID, priceErr
}

// memLedger is an in-memory ledger with failure injection. WithinTransaction
// restores balances and applied marks when fn fails.
type memLedger struct {
	txMu         sync.Mutex
	mu           sync.Mutex
	bySession    map[string]*models.TokenTransaction
	balances     map[string]int64
	insertErr    error
	incrementErr error
	failUsers    map[string]bool
	markErr      error
	inserts      int
	increments   int
}

func newMemLedger() *memLedger {
	return &memLedger{
		bySession: map[string]*models.TokenTransaction{},
		balances:  map[string]int64{},
		failUsers: map[string]bool{},
	}
}

func (m *memLedger) WithinTransaction(_ context.Context, fn func(Ledger) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	balances := make(map[string]int64, len(m.balances))
	for k, v := range m.balances {
		balances[k] = v
	}
	applied := make(map[string]*time.Time, len(m.bySession))
	for k, t := range m.bySession {
		applied[k] = t.AppliedAt
	}
	increments := m.increments
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.balances = balances
		for k, at := range applied {
			if t, ok := m.bySession[k]; ok {
				t.AppliedAt = at
			}
		}
		m.increments = increments
		return err
	}
	return nil
}

func (m *memLedger) InsertTransaction(_ context.Context, t *models.TokenTransaction) (bool, *models.TokenTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return false, nil, m.insertErr
	}
	if existing, ok := m.bySession[t.StripeSessionID]; ok {
		cp := *existing
		return false, &cp, nil
	}
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.bySession[t.StripeSessionID] = &cp
	m.inserts++
	out := cp
	return true, &out, nil
}

func (m *memLedger) IncrementBalance(_ context.Context, userID string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incrementErr != nil {
		return m.incrementErr
	}
	if m.failUsers[userID] {
		return errStore
	}
	m.balances[userID] += delta
	m.increments++
	return nil
}

func (m *memLedger) MarkApplied(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return false, m.markErr
	}
	for _, t := range m.bySession {
		if t.ID == id {
			if t.AppliedAt != nil {
				return false, nil
			}
			applied := at
			t.AppliedAt = &applied
			return true, nil
		}
	}
	return false, nil
}

func (m *memLedger) GetBalance(_ context.Context, userID string) (*models.TokenBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &models.TokenBalance{UserID: userID, Balance: m.balances[userID]}, nil
}

func (m *memLedger) ListUnapplied(_ context.Context, createdBefore time.Time, limit int) ([]models.TokenTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TokenTransaction
	for _, t := range m.bySession {
		if t.AppliedAt == nil && t.CreatedAt.Before(createdBefore) {
			out = append(out, *t)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memLedger) transactions() []models.TokenTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TokenTransaction, 0, len(m.bySession))
	for _, t := range m.bySession {
		out = append(out, *t)
	}
	return out
}

func (m *memLedger) balance(userID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

func (m *memLedger) setIncrementErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incrementErr = err
}

func (m *memLedger) setMarkErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markErr = err
}

func (m *memLedger) failIncrementsFor(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUsers[userID] = true
}

// failingIncrementLedger wraps a transactional repository and fails the
// balance increment inside the transaction while fail is set.
type failingIncrementLedger struct {
	Repository
	fail bool
}

func (f *failingIncrementLedger) WithinTransaction(ctx context.Context, fn func(Ledger) error) error {
	return f.Repository.WithinTransaction(ctx, func(l Ledger) error {
		if f.fail {
			return fn(failingIncrement{Ledger: l})
		}
		return fn(l)
	})
}

type failingIncrement struct {
	Ledger
}

func (failingIncrement) IncrementBalance(context.Context, string, int64) error {
	return errStore
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	err      error
	acquired []string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, true, nil
}

func (l *fakeLocker) hold(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[key] = true
}
