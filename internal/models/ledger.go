package models

import (
	"time"

	"gorm.io/datatypes"
)

// LedgerEntry records one verified payment that was accepted for forwarding.
// Rows are append only; the unique index on TxReference is what makes a
// transaction usable exactly once.
type LedgerEntry struct {
	// ID is a ULID, sortable by creation time.
	ID string `json:"id" gorm:"column:id;primaryKey;size:26"`
	// WrapperID is the wrapper the payment was made for.
	WrapperID string `json:"wrapper_id" gorm:"column:wrapper_id;size:255;not null;index:idx_ledger_wrapper_created,priority:1"`
	// Payer is the on-chain address that signed the payment.
	Payer string `json:"payer" gorm:"column:payer;size:128;index"`
	// PayerUserID is the account id resolved from the payer address, if any.
	PayerUserID string `json:"payer_user_id,omitempty" gorm:"column:payer_user_id;size:255"`
	// TxReference is the chain transaction signature or hash.
	TxReference string `json:"tx_reference" gorm:"column:tx_reference;size:128;not null;uniqueIndex"`
	Network     Network `json:"network" gorm:"column:network;size:32;not null"`
	Token       string  `json:"token" gorm:"column:token;size:128;not null"`
	// Amount is the decimal price that was charged.
	Amount string `json:"amount" gorm:"column:amount;size:80;not null"`
	// AmountBaseUnits is Amount in the token's smallest unit.
	AmountBaseUnits string `json:"amount_base_units" gorm:"column:amount_base_units;type:numeric(78,0);not null"`
	Decimals        uint8  `json:"decimals" gorm:"column:decimals;not null"`
	Memo            string `json:"memo,omitempty" gorm:"column:memo;size:64"`
	RequestMethod   string `json:"request_method" gorm:"column:request_method;size:16"`
	RequestPath     string `json:"request_path" gorm:"column:request_path;size:2048"`
	// Proof is the X-PAYMENT payload as received.
	Proof datatypes.JSON `json:"proof,omitempty" gorm:"column:proof"`
	// ConfirmedAt is the block time of the payment transaction.
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty" gorm:"column:confirmed_at"`
	CreatedAt   time.Time  `json:"created_at" gorm:"column:created_at;not null;index:idx_ledger_wrapper_created,priority:2"`
}

// TableName specifies the table name for GORM
func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// TokenRevenue is the sum of payments in one token.
type TokenRevenue struct {
	Token    string  `json:"token"`
	Network  Network `json:"network"`
	Decimals uint8   `json:"decimals"`
	// BaseUnits is the exact integer sum.
	BaseUnits string `json:"base_units"`
	// Amount is BaseUnits rendered as a decimal.
	Amount string `json:"amount"`
	Count  int64  `json:"count"`
}

// UsageSummary aggregates ledger entries over a time window.
type UsageSummary struct {
	Count   int64          `json:"count"`
	Revenue []TokenRevenue `json:"revenue"`
}
