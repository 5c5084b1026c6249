package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	TransactionTypeCredit = "CREDIT"
)

// TokenTransaction is an append-only record of a token balance mutation.
// StripeSessionID is unique, so a checkout session can only ever be credited once.
type TokenTransaction struct {
	ID              string     `gorm:"type:char(36);primaryKey" json:"id"`
	UserID          string     `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Amount          int64      `gorm:"not null" json:"amount"`
	TransactionType string     `gorm:"type:varchar(20);not null;default:'CREDIT'" json:"transaction_type"`
	Description     string     `gorm:"type:varchar(255);default:''" json:"description"`
	StripeSessionID string     `gorm:"type:varchar(255);not null;uniqueIndex:ux_fractitoken_transactions_stripe_session" json:"stripe_session_id"`
	AppliedAt       *time.Time `gorm:"type:timestamp;default:null;index" json:"applied_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}

func (TokenTransaction) TableName() string {
	return "fractitoken_transactions"
}

// BeforeCreate assigns a UUID when the caller did not set one.
func (t *TokenTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// IsApplied reports whether the balance increment for this transaction has been performed.
func (t *TokenTransaction) IsApplied() bool {
	return t != nil && t.AppliedAt != nil
}

// NewCreditTransaction builds an unapplied CREDIT record for a checkout session.
func NewCreditTransaction(userID string, amount int64, sessionID string) *TokenTransaction {
	return &TokenTransaction{
		ID:              uuid.NewString(),
		UserID:          userID,
		Amount:          amount,
		TransactionType: TransactionTypeCredit,
		Description:     fmt.Sprintf("Purchase of %d tokens", amount),
		StripeSessionID: sessionID,
	}
}
