package billing

import (
	"context"
	"errors"
	"time"

	"github.com/fractiverse/router/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger is the token store the reconciler writes to.
type Ledger interface {
	// InsertTransaction inserts t unless a row for the same checkout session
	// exists. It always returns the stored row.
	InsertTransaction(ctx context.Context, t *models.TokenTransaction) (bool, *models.TokenTransaction, error)
	// IncrementBalance atomically adds delta to the user's balance, creating the row if needed.
	IncrementBalance(ctx context.Context, userID string, delta int64) error
	// MarkApplied sets applied_at only if it is still NULL and reports whether it did.
	MarkApplied(ctx context.Context, transactionID string, at time.Time) (bool, error)
	GetBalance(ctx context.Context, userID string) (*models.TokenBalance, error)
	ListUnapplied(ctx context.Context, createdBefore time.Time, limit int) ([]models.TokenTransaction, error)
}

// TxLedger is a Ledger that can run several operations atomically.
type TxLedger interface {
	Ledger
	WithinTransaction(ctx context.Context, fn func(Ledger) error) error
}

// Repository provides DB operations used by the billing service.
type Repository interface {
	TxLedger
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithinTransaction(ctx context.Context, fn func(Ledger) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) InsertTransaction(ctx context.Context, t *models.TokenTransaction) (bool, *models.TokenTransaction, error) {
	db := r.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stripe_session_id"}},
		DoNothing: true,
	}).Create(t)
	if res.Error != nil {
		return false, nil, res.Error
	}

	created := res.RowsAffected > 0
	var stored models.TokenTransaction
	if err := db.Where("stripe_session_id = ?", t.StripeSessionID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) IncrementBalance(ctx context.Context, userID string, delta int64) error {
	now := time.Now()
	row := &models.TokenBalance{
		UserID:      userID,
		Balance:     delta,
		LastUpdated: now,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"balance":      gorm.Expr("balance + ?", delta),
			"last_updated": now,
		}),
	}).Create(row).Error
}

func (r *gormRepository) MarkApplied(ctx context.Context, transactionID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.TokenTransaction{}).
		Where("id = ? AND applied_at IS NULL", transactionID).
		Update("applied_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) GetBalance(ctx context.Context, userID string) (*models.TokenBalance, error) {
	var b models.TokenBalance
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.TokenBalance{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *gormRepository) ListUnapplied(ctx context.Context, createdBefore time.Time, limit int) ([]models.TokenTransaction, error) {
	var txs []models.TokenTransaction
	err := r.db.WithContext(ctx).
		Where("applied_at IS NULL AND created_at < ?", createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
