package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/pkg/logger"
)

// lamportDecimals is the precision of native SOL
const lamportDecimals = 9

var (
	// MemoProgramID is the SPL Memo program (v2).
	MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
	// memoProgramV1ID is the legacy memo program still used by some wallets.
	memoProgramV1ID = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EQVDDwQDxFMNo")
)

// SolanaRPC is the subset of the solana-go RPC client used for payment lookups.
type SolanaRPC interface {
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// Solana verifies payments on one Solana cluster.
type Solana struct {
	logger  *logger.Logger
	network models.Network
	client  SolanaRPC
}

// NewSolana creates a client for the cluster behind endpoint.
func NewSolana(endpoint string, network models.Network, logger *logger.Logger) *Solana {
	return NewSolanaWithClient(rpc.New(endpoint), network, logger)
}

func NewSolanaWithClient(client SolanaRPC, network models.Network, logger *logger.Logger) *Solana {
	return &Solana{logger: logger, network: network, client: client}
}

func (s *Solana) Network() models.Network {
	return s.network
}

// GetTransaction looks up a finalized transaction by signature.
func (s *Solana) GetTransaction(ctx context.Context, reference string) (*models.ChainTransaction, error) {
	sig, err := solana.SignatureFromBase58(reference)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidReference, err)
	}

	statuses, err := s.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature status: %w", err)
	}
	if statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return nil, models.ErrTransactionNotFound
	}
	status := statuses.Value[0]
	if status.Err != nil {
		s.logger.Debugw("Payment transaction failed on chain", "tx", reference, "error", status.Err)
		return nil, models.ErrTransactionFailed
	}
	if status.ConfirmationStatus != rpc.ConfirmationStatusFinalized {
		return nil, models.ErrTransactionPending
	}

	maxVersion := uint64(0)
	res, err := s.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			// status is finalized but the node has not indexed the body yet
			return nil, models.ErrTransactionPending
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if res == nil || res.Meta == nil || res.Transaction == nil {
		return nil, models.ErrTransactionNotFound
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	return ExtractSolanaPayment(reference, s.network, tx, res.Meta, res.BlockTime)
}

// ExtractSolanaPayment derives credits, payer and memos from a confirmed
// transaction and its metadata. Credits are balance increases: lamports per
// account, and token amounts per owner and mint.
func ExtractSolanaPayment(reference string, network models.Network, tx *solana.Transaction, meta *rpc.TransactionMeta, blockTime *solana.UnixTimeSeconds) (*models.ChainTransaction, error) {
	if meta.Err != nil {
		return nil, models.ErrTransactionFailed
	}

	keys := make(solana.PublicKeySlice, 0, len(tx.Message.AccountKeys)+len(meta.LoadedAddresses.Writable)+len(meta.LoadedAddresses.ReadOnly))
	keys = append(keys, tx.Message.AccountKeys...)
	keys = append(keys, meta.LoadedAddresses.Writable...)
	keys = append(keys, meta.LoadedAddresses.ReadOnly...)
	if len(keys) == 0 {
		return nil, fmt.Errorf("transaction %s has no account keys", reference)
	}

	out := &models.ChainTransaction{
		Reference: reference,
		Network:   network,
		Payer:     keys[0].String(),
	}

	for i, key := range keys {
		if i >= len(meta.PreBalances) || i >= len(meta.PostBalances) {
			break
		}
		delta := new(big.Int).Sub(new(big.Int).SetUint64(meta.PostBalances[i]), new(big.Int).SetUint64(meta.PreBalances[i]))
		if delta.Sign() > 0 {
			out.Credits = append(out.Credits, models.Credit{
				Recipient:     key.String(),
				Token:         models.NativeSOL,
				Amount:        delta,
				Decimals:      lamportDecimals,
				DecimalsKnown: true,
			})
		}
	}

	pre := make(map[uint16]*big.Int, len(meta.PreTokenBalances))
	for _, b := range meta.PreTokenBalances {
		if b.UiTokenAmount == nil {
			continue
		}
		if v, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10); ok {
			pre[b.AccountIndex] = v
		}
	}
	for _, b := range meta.PostTokenBalances {
		if b.Owner == nil || b.UiTokenAmount == nil {
			continue
		}
		post, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10)
		if !ok {
			continue
		}
		delta := new(big.Int).Set(post)
		if before, found := pre[b.AccountIndex]; found {
			delta.Sub(delta, before)
		}
		if delta.Sign() > 0 {
			out.Credits = append(out.Credits, models.Credit{
				Recipient:     b.Owner.String(),
				Token:         b.Mint.String(),
				Amount:        delta,
				Decimals:      b.UiTokenAmount.Decimals,
				DecimalsKnown: true,
			})
		}
	}

	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(keys) {
			continue
		}
		program := keys[inst.ProgramIDIndex]
		if program.Equals(MemoProgramID) || program.Equals(memoProgramV1ID) {
			out.Memos = append(out.Memos, string(inst.Data))
		}
	}

	if blockTime != nil {
		t := blockTime.Time().UTC()
		out.BlockTime = &t
	}
	return out, nil
}
