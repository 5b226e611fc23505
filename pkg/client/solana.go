package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/x402wrap/paygate/pkg/amount"
	"github.com/x402wrap/paygate/pkg/x402"
)

const (
	lamportDecimals = 9
	// DefaultConfirmTimeout bounds the wait for a payment to finalize
	DefaultConfirmTimeout = 90 * time.Second
)

var (
	memoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

	ErrWrongNetwork    = errors.New("payment requested on another network")
	ErrAmountExceeded  = errors.New("payment exceeds the configured maximum")
	ErrUnknownDecimals = errors.New("token decimals unknown")
	ErrPaymentFailed   = errors.New("payment transaction failed")
)

// SolanaRPC is the subset of the solana-go RPC client used to pay.
type SolanaRPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// SolanaWalletStrategy pays from a local keypair: a lamport or SPL token
// transfer to the recipient, plus the issued memo, waited on until finalized.
type SolanaWalletStrategy struct {
	key     solana.PrivateKey
	network string
	client  SolanaRPC

	maxAmount      *big.Rat
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

type SolanaOption func(*SolanaWalletStrategy)

// WithMaxAmount refuses requirements above max, a decimal in token units.
func WithMaxAmount(max string) SolanaOption {
	return func(s *SolanaWalletStrategy) {
		if v, err := amount.Parse(max); err == nil {
			s.maxAmount = v
		}
	}
}

func WithConfirmTimeout(timeout, pollInterval time.Duration) SolanaOption {
	return func(s *SolanaWalletStrategy) {
		s.confirmTimeout = timeout
		s.pollInterval = pollInterval
	}
}

// NewSolanaWalletStrategy pays on network ("devnet" or "mainnet-beta") through client.
func NewSolanaWalletStrategy(key solana.PrivateKey, network string, client SolanaRPC, opts ...SolanaOption) *SolanaWalletStrategy {
	s := &SolanaWalletStrategy{
		key:            key,
		network:        network,
		client:         client,
		confirmTimeout: DefaultConfirmTimeout,
		pollInterval:   time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSolanaWalletStrategyFromBase58 connects to endpoint with a base58 private key.
func NewSolanaWalletStrategyFromBase58(privateKey, network, endpoint string, opts ...SolanaOption) (*SolanaWalletStrategy, error) {
	key, err := solana.PrivateKeyFromBase58(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSolanaWalletStrategy(key, network, rpc.New(endpoint), opts...), nil
}

func (s *SolanaWalletStrategy) Address() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *SolanaWalletStrategy) Pay(ctx context.Context, req *x402.Requirement) (*x402.Proof, error) {
	if req.Network != "" && req.Network != s.network {
		return nil, fmt.Errorf("%w: %s", ErrWrongNetwork, req.Network)
	}
	if s.maxAmount != nil {
		v, err := amount.Parse(req.Amount)
		if err != nil {
			return nil, err
		}
		if v.Cmp(s.maxAmount) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrAmountExceeded, req.Amount)
		}
	}

	instructions, err := s.instructions(req)
	if err != nil {
		return nil, err
	}

	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}
	owner := s.key.PublicKey()
	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(owner) {
			return &s.key
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{PreflightCommitment: rpc.CommitmentFinalized})
	if err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	if err := s.waitFinalized(ctx, sig); err != nil {
		return nil, err
	}

	return &x402.Proof{
		Transaction: sig.String(),
		Amount:      x402.Amount(req.Amount),
		Token:       req.Token,
	}, nil
}

func (s *SolanaWalletStrategy) instructions(req *x402.Requirement) ([]solana.Instruction, error) {
	owner := s.key.PublicKey()
	recipient, err := solana.PublicKeyFromBase58(req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}

	var out []solana.Instruction
	if req.Token == x402.NativeSOL {
		lamports, err := baseUnits(req.Amount, lamportDecimals)
		if err != nil {
			return nil, err
		}
		out = append(out, system.NewTransferInstruction(lamports, owner, recipient).Build())
	} else {
		if req.Decimals == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDecimals, req.Token)
		}
		mint, err := solana.PublicKeyFromBase58(req.Token)
		if err != nil {
			return nil, fmt.Errorf("invalid mint address: %w", err)
		}
		units, err := baseUnits(req.Amount, *req.Decimals)
		if err != nil {
			return nil, err
		}
		source, _, err := solana.FindAssociatedTokenAddress(owner, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive source token account: %w", err)
		}
		destination, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive destination token account: %w", err)
		}
		out = append(out,
			createIdempotentATA(owner, recipient, mint, destination),
			token.NewTransferCheckedInstructionBuilder().
				SetAmount(units).
				SetDecimals(*req.Decimals).
				SetSourceAccount(source).
				SetDestinationAccount(destination).
				SetMintAccount(mint).
				SetOwnerAccount(owner).
				Build(),
		)
	}

	if req.Memo != "" {
		out = append(out, solana.NewInstruction(
			memoProgramID,
			solana.AccountMetaSlice{{PublicKey: owner, IsSigner: true}},
			[]byte(req.Memo),
		))
	}
	return out, nil
}

// waitFinalized polls the signature until it is finalized or fails.
func (s *SolanaWalletStrategy) waitFinalized(ctx context.Context, sig solana.Signature) error {
	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = s.pollInterval
	poll.MaxInterval = 4 * s.pollInterval
	poll.MaxElapsedTime = s.confirmTimeout

	return backoff.Retry(func() error {
		res, err := s.client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return err
		}
		if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
			return fmt.Errorf("transaction %s not visible yet", sig)
		}
		status := res.Value[0]
		if status.Err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrPaymentFailed, status.Err))
		}
		if status.ConfirmationStatus != rpc.ConfirmationStatusFinalized {
			return fmt.Errorf("transaction %s is %s", sig, status.ConfirmationStatus)
		}
		return nil
	}, backoff.WithContext(poll, ctx))
}

// createIdempotentATA creates the recipient token account unless it exists.
func createIdempotentATA(payer, owner, mint, ata solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			{PublicKey: payer, IsSigner: true, IsWritable: true},
			{PublicKey: ata, IsWritable: true},
			{PublicKey: owner},
			{PublicKey: mint},
			{PublicKey: solana.SystemProgramID},
			{PublicKey: solana.TokenProgramID},
		},
		// CreateIdempotent
		[]byte{1},
	)
}

func baseUnits(value string, decimals uint8) (uint64, error) {
	units, err := amount.ToBaseUnits(value, decimals)
	if err != nil {
		return 0, err
	}
	if units.Sign() <= 0 || !units.IsUint64() {
		return 0, fmt.Errorf("amount %s out of range", value)
	}
	return units.Uint64(), nil
}
