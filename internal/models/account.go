package models

import "context"

// Account is a user of the platform as known to the user API.
type Account struct {
	// ID is the user id assigned by the user API.
	ID string `json:"id"`
	// WalletAddress is the wallet the user signed up with.
	WalletAddress string `json:"wallet_address"`
	Email         string `json:"email,omitempty"`
}

// WrapperSource returns wrapper configurations owned by the management API.
type WrapperSource interface {
	// GetWrapper returns ErrUnknownWrapper when the wrapper does not exist.
	GetWrapper(ctx context.Context, id string) (*WrapperConfig, error)
	ListWrappers(ctx context.Context, ownerID string) ([]*WrapperConfig, error)
}

// AccountResolver maps a payer wallet to a platform user, creating it if needed.
type AccountResolver interface {
	ResolveUser(ctx context.Context, walletAddress string) (*Account, error)
}
