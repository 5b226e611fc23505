package models

import "time"

// IssuedNonce is a memo value handed out in a 402 challenge.
// A nonce is bound to the first transaction that consumes it before it
// expires; only that transaction may present it again.
type IssuedNonce struct {
	Nonce       string     `gorm:"primaryKey;size:64"`
	WrapperID   string     `gorm:"size:255;not null;index"`
	RequestPath string     `gorm:"size:2048"`
	IssuedAt    time.Time  `gorm:"not null"`
	ExpiresAt   time.Time  `gorm:"not null;index"`
	ConsumedAt  *time.Time `gorm:"index"`
	ConsumedBy  string     `gorm:"size:128"`
}

// TableName specifies the table name for GORM
func (IssuedNonce) TableName() string {
	return "issued_nonces"
}
