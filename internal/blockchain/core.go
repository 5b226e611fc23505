package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/core-coin/go-core/v2"
	"github.com/core-coin/go-core/v2/common"
	"github.com/core-coin/go-core/v2/core/types"
	"github.com/core-coin/go-core/v2/xcbclient"

	"github.com/x402wrap/paygate/internal/models"
	"github.com/x402wrap/paygate/pkg/logger"
	"github.com/x402wrap/paygate/pkg/validation"
)

// xcbDecimals is the precision of native XCB (ore units)
const xcbDecimals = 18

// CoreRPC is the subset of xcbclient.Client used for payment lookups.
type CoreRPC interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Gocore verifies payments on a Core Blockchain network.
type Gocore struct {
	logger        *logger.Logger
	apiURL        string
	network       models.Network
	networkID     *big.Int
	confirmations uint64

	mu     sync.RWMutex
	client CoreRPC
	closer func()
}

// NewGocore creates a new Gocore instance. ConnectToRPC must be called before use.
func NewGocore(apiURL string, network models.Network, networkID *big.Int, confirmations uint64, logger *logger.Logger) *Gocore {
	if confirmations == 0 {
		confirmations = 1
	}
	return &Gocore{
		apiURL:        apiURL,
		network:       network,
		networkID:     networkID,
		confirmations: confirmations,
		logger:        logger,
	}
}

// NewGocoreWithClient wires an existing RPC client.
func NewGocoreWithClient(client CoreRPC, network models.Network, networkID *big.Int, confirmations uint64, logger *logger.Logger) *Gocore {
	g := NewGocore("", network, networkID, confirmations, logger)
	g.client = client
	return g
}

func (g *Gocore) ConnectToRPC() error {
	client, err := xcbclient.Dial(g.apiURL)
	if err != nil {
		return fmt.Errorf("failed to connect to the core RPC server: %w", err)
	}
	g.mu.Lock()
	g.client = client
	g.closer = client.Close
	g.mu.Unlock()
	return nil
}

func (g *Gocore) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closer != nil {
		g.closer()
		g.closer = nil
	}
	return nil
}

func (g *Gocore) Network() models.Network {
	return g.network
}

// GetTransaction resolves a transaction hash into the credits it made. A
// transaction counts as final once it has the configured number of confirmations.
func (g *Gocore) GetTransaction(ctx context.Context, reference string) (*models.ChainTransaction, error) {
	if err := validation.ValidateCoreTxHash(reference); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidReference, err)
	}
	g.mu.RLock()
	client := g.client
	g.mu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("core RPC client is not connected")
	}

	hash := common.HexToHash(reference)
	tx, pending, err := client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, core.NotFound) {
			return nil, models.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction by hash: %w", err)
	}
	if pending {
		return nil, models.ErrTransactionPending
	}

	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, core.NotFound) {
			return nil, models.ErrTransactionPending
		}
		return nil, fmt.Errorf("failed to get transaction receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, models.ErrTransactionFailed
	}

	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	depth := new(big.Int).Sub(head.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	if depth.Cmp(new(big.Int).SetUint64(g.confirmations)) < 0 {
		g.logger.Debugw("Transaction below confirmation depth", "tx", reference, "depth", depth, "required", g.confirmations)
		return nil, models.ErrTransactionPending
	}

	block, err := client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to get block header: %w", err)
	}

	signer := types.NewNucleusSigner(g.networkID)
	sender, err := signer.Sender(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to get sender: %w", err)
	}

	result, err := g.extractPayment(reference, tx, sender.Hex())
	if err != nil {
		return nil, err
	}
	blockTime := time.Unix(int64(block.Time), 0).UTC()
	result.BlockTime = &blockTime
	return result, nil
}

func (g *Gocore) extractPayment(reference string, tx *types.Transaction, sender string) (*models.ChainTransaction, error) {
	out := &models.ChainTransaction{
		Reference: reference,
		Network:   g.network,
		Payer:     validation.NormalizeAddress(sender),
	}
	if tx.To() == nil {
		return out, nil
	}
	receiver := validation.NormalizeAddress(tx.To().Hex())

	if v := tx.Value(); v != nil && v.Sign() > 0 {
		out.Credits = append(out.Credits, models.Credit{
			Recipient:     receiver,
			Token:         models.NativeXCB,
			Amount:        new(big.Int).Set(v),
			Decimals:      xcbDecimals,
			DecimalsKnown: true,
		})
	}

	transfers, err := DecodeCBC20Transfers(tx.Data(), out.Payer)
	if err != nil {
		g.logger.Warnw("Failed to decode token transfer", "tx", reference, "error", err)
		return out, nil
	}
	for _, t := range transfers {
		out.Credits = append(out.Credits, models.Credit{
			Recipient: validation.NormalizeAddress(t.To),
			Token:     receiver,
			Amount:    t.Amount,
		})
	}
	return out, nil
}
