package models

import (
	"context"
	"time"
)

// Ledger is the usage ledger. Implementations must make InsertEntry atomic on
// TxReference: exactly one caller wins, the others get ErrDuplicateReference.
type Ledger interface {
	InsertEntry(ctx context.Context, entry *LedgerEntry) error
	HasReference(ctx context.Context, txReference string) (bool, error)
	// SetPayerUserID backfills the payer account of a recorded entry.
	SetPayerUserID(ctx context.Context, txReference, userID string) error
	ListEntries(ctx context.Context, wrapperID string, since time.Time, limit int) ([]*LedgerEntry, error)
	// Aggregate counts and sums entries of the given wrappers created at or after since.
	Aggregate(ctx context.Context, wrapperIDs []string, since time.Time) (*UsageSummary, error)
}

// NonceStore tracks memo nonces issued in challenges.
type NonceStore interface {
	// RegisterNonce stores a nonce. Registering a nonce that is already stored
	// and unconsumed moves its expiry to nonce.ExpiresAt. It fails with
	// ErrNonceInvalid when the stored nonce was consumed or belongs to another
	// wrapper.
	RegisterNonce(ctx context.Context, nonce *IssuedNonce) error
	// ConsumeNonce binds the nonce to txReference. Consuming it again with the
	// same txReference succeeds, so a payment whose recording failed can be
	// presented again. It fails with ErrNonceInvalid when the nonce is unknown,
	// expired, bound to another transaction or belongs to another wrapper.
	ConsumeNonce(ctx context.Context, nonce, wrapperID, txReference string, now time.Time) error
	// PurgeExpiredNonces deletes nonces that expired before the given time.
	PurgeExpiredNonces(ctx context.Context, before time.Time) (int64, error)
}

// Repository is a storage backend serving both the ledger and the nonces.
type Repository interface {
	Ledger
	NonceStore
	Close() error
}
