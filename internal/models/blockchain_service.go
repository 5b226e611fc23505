package models

import (
	"context"
	"math/big"
	"time"
)

// Credit is the net amount a transaction moved into one address in one token.
type Credit struct {
	Recipient string
	Token     string
	Amount    *big.Int
	Decimals  uint8
	// DecimalsKnown is false when the chain does not report decimals for the token.
	DecimalsKnown bool
}

// ChainTransaction is the chain independent view of a finalized payment transaction.
type ChainTransaction struct {
	Reference string
	Network   Network
	Payer     string
	Credits   []Credit
	Memos     []string
	BlockTime *time.Time
}

// CreditTo returns the total credited to recipient in token, or nil.
func (t *ChainTransaction) CreditTo(recipient, token string) *Credit {
	var found *Credit
	for i := range t.Credits {
		c := t.Credits[i]
		if c.Recipient != recipient || c.Token != token {
			continue
		}
		if found == nil {
			found = &Credit{Recipient: c.Recipient, Token: c.Token, Amount: new(big.Int), Decimals: c.Decimals, DecimalsKnown: c.DecimalsKnown}
		}
		found.Amount.Add(found.Amount, c.Amount)
	}
	return found
}

// ChainClient looks up payment transactions on one network.
//
// GetTransaction returns ErrTransactionNotFound, ErrTransactionPending,
// ErrTransactionFailed or ErrInvalidReference for the respective cases; any
// other error means the chain could not be queried.
type ChainClient interface {
	Network() Network
	GetTransaction(ctx context.Context, reference string) (*ChainTransaction, error)
}

// ChainRegistry selects the client for a network.
type ChainRegistry interface {
	ClientFor(network Network) (ChainClient, error)
}
