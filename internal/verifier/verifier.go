package verifier

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/pkg/amount"
	"github.com/x402wrap/paygate/pkg/logger"
	"github.com/x402wrap/paygate/pkg/x402"
)

// DefaultTimeout bounds the chain lookup of one verification
const DefaultTimeout = 5 * time.Second

// Payment is a proof that passed verification.
type Payment struct {
	Reference string
	Network   models.Network
	Payer     string
	Token     string
	// Amount is the decimal price that was paid.
	Amount    string
	BaseUnits *big.Int
	Decimals  uint8
	// Memo is the consumed nonce, empty when no memo was required.
	Memo        string
	ConfirmedAt *time.Time
}

// Verifier checks a payment proof against the terms of a wrapper.
type Verifier struct {
	logger      *logger.Logger
	ledger      models.Ledger
	nonces      models.NonceStore
	chains      models.ChainRegistry
	timeout     time.Duration
	requireMemo bool
	now         func() time.Time
}

type Option func(*Verifier)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithRequireMemo enforces memo nonces for every wrapper.
func WithRequireMemo(required bool) Option {
	return func(v *Verifier) {
		v.requireMemo = required
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

func NewVerifier(ledger models.Ledger, nonces models.NonceStore, chains models.ChainRegistry, logger *logger.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		logger:  logger,
		ledger:  ledger,
		nonces:  nonces,
		chains:  chains,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify confirms that proof pays the terms of w. Errors wrap one of
// ErrMalformedProof, ErrProofAlreadyConsumed, ErrProofMismatch,
// ErrProofNotFound, ErrProofUnconfirmed or ErrVerifierUnavailable.
func (v *Verifier) Verify(ctx context.Context, proof *x402.Proof, w *models.WrapperConfig) (*Payment, error) {
	if proof == nil || proof.Transaction == "" {
		return nil, fmt.Errorf("%w: missing transaction", models.ErrMalformedProof)
	}

	used, err := v.ledger.HasReference(ctx, proof.Transaction)
	if err != nil {
		return nil, fmt.Errorf("%w: ledger lookup: %v", models.ErrVerifierUnavailable, err)
	}
	if used {
		return nil, models.ErrProofAlreadyConsumed
	}

	if w.Network.NormalizeAddress(proof.Token) != w.Network.NormalizeAddress(w.Token) {
		return nil, fmt.Errorf("%w: token %s, expected %s", models.ErrProofMismatch, proof.Token, w.Token)
	}
	same, err := amount.Equal(proof.Amount.String(), w.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", models.ErrMalformedProof, err)
	}
	if !same {
		return nil, fmt.Errorf("%w: amount %s, expected %s", models.ErrProofMismatch, proof.Amount, w.Price)
	}

	tx, err := v.lookup(ctx, w.Network, proof.Transaction)
	if err != nil {
		return nil, err
	}

	recipient := w.Network.NormalizeAddress(w.Recipient)
	token := w.Network.NormalizeAddress(w.Token)
	credit := tx.CreditTo(recipient, token)
	if credit == nil {
		return nil, fmt.Errorf("%w: no %s transfer to %s", models.ErrProofMismatch, w.Token, w.Recipient)
	}

	decimals, ok := models.ResolveDecimals(w)
	if !ok {
		if !credit.DecimalsKnown {
			v.logger.Warnw("Token decimals unknown, cannot price payment", "wrapper", w.ID, "token", w.Token)
			return nil, fmt.Errorf("%w: decimals of %s are unknown", models.ErrProofMismatch, w.Token)
		}
		decimals = credit.Decimals
	}
	expected, err := amount.ToBaseUnits(w.Price, decimals)
	if err != nil {
		v.logger.Errorw("Wrapper price not representable in token units", "wrapper", w.ID, "price", w.Price, "decimals", decimals, "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrProofMismatch, err)
	}
	if credit.Amount.Cmp(expected) != 0 {
		return nil, fmt.Errorf("%w: received %s base units, expected %s", models.ErrProofMismatch, credit.Amount, expected)
	}

	memo, err := v.consumeMemo(ctx, w, proof.Transaction, tx)
	if err != nil {
		return nil, err
	}

	return &Payment{
		Reference:   proof.Transaction,
		Network:     w.Network,
		Payer:       tx.Payer,
		Token:       w.Token,
		Amount:      w.Price,
		BaseUnits:   expected,
		Decimals:    decimals,
		Memo:        memo,
		ConfirmedAt: tx.BlockTime,
	}, nil
}

func (v *Verifier) lookup(ctx context.Context, network models.Network, reference string) (*models.ChainTransaction, error) {
	client, err := v.chains.ClientFor(network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrVerifierUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	tx, err := client.GetTransaction(ctx, reference)
	switch {
	case err == nil:
		return tx, nil
	case errors.Is(err, models.ErrInvalidReference):
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedProof, err)
	case errors.Is(err, models.ErrTransactionNotFound):
		return nil, models.ErrProofNotFound
	case errors.Is(err, models.ErrTransactionPending):
		return nil, models.ErrProofUnconfirmed
	case errors.Is(err, models.ErrTransactionFailed):
		return nil, fmt.Errorf("%w: transaction failed", models.ErrProofMismatch)
	default:
		v.logger.Warnw("Chain lookup failed", "network", network, "tx", reference, "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrVerifierUnavailable, err)
	}
}

// consumeMemo binds the first memo of tx that is a live nonce of w to
// reference. A memo already bound to reference is accepted again; the ledger
// insert decides which request carrying that reference is served.
func (v *Verifier) consumeMemo(ctx context.Context, w *models.WrapperConfig, reference string, tx *models.ChainTransaction) (string, error) {
	if !v.requireMemo && !w.RequireMemo {
		return "", nil
	}
	now := v.now().UTC()
	for _, memo := range tx.Memos {
		err := v.nonces.ConsumeNonce(ctx, memo, w.ID, reference, now)
		if err == nil {
			return memo, nil
		}
		if !errors.Is(err, models.ErrNonceInvalid) {
			return "", fmt.Errorf("%w: nonce store: %v", models.ErrVerifierUnavailable, err)
		}
	}
	return "", fmt.Errorf("%w: no valid memo nonce", models.ErrProofMismatch)
}
