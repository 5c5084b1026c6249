package models

import "time"

// TokenBalance holds the current token balance of a user. Rows are created
// on the first credit and only ever changed by additive updates.
type TokenBalance struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	UserID      string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_fractitoken_balances_user" json:"user_id"`
	Balance     int64     `gorm:"not null;default:0" json:"balance"`
	LastUpdated time.Time `gorm:"autoUpdateTime" json:"last_updated"`
}

func (TokenBalance) TableName() string {
	return "fractitoken_balances"
}
