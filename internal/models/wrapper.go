package models

import (
	"fmt"
	"net/url"
	"time"

	"github.com/x402wrap/paygate/pkg/amount"
	"github.com/x402wrap/paygate/pkg/validation"
	"github.com/x402wrap/paygate/pkg/x402"
)

// Network identifies the chain a wrapper is paid on.
type Network string

const (
	NetworkSolanaDevnet  Network = "devnet"
	NetworkSolanaMainnet Network = "mainnet-beta"
	// NetworkCoreMainnet and NetworkCoreDevin are Core Blockchain networks.
	NetworkCoreMainnet Network = "xcb"
	NetworkCoreDevin   Network = "xab"
)

const (
	NativeSOL = x402.NativeSOL
	NativeXCB = x402.NativeXCB
)

// IsSolana reports whether the network is a Solana cluster.
func (n Network) IsSolana() bool {
	return n == NetworkSolanaDevnet || n == NetworkSolanaMainnet
}

// IsCore reports whether the network is a Core Blockchain network.
func (n Network) IsCore() bool {
	return n == NetworkCoreMainnet || n == NetworkCoreDevin
}

// NativeToken returns the native token identifier of the network.
func (n Network) NativeToken() string {
	if n.IsCore() {
		return NativeXCB
	}
	return NativeSOL
}

// NormalizeAddress returns the canonical form used to compare addresses on
// the network. Solana base58 is case sensitive and returned unchanged.
func (n Network) NormalizeAddress(addr string) string {
	if n.IsCore() && addr != NativeXCB {
		return validation.NormalizeAddress(addr)
	}
	return addr
}

// WrapperConfig is the pricing and routing configuration of one wrapped API.
// It is owned by the management API and only read here.
type WrapperConfig struct {
	// ID is the opaque identifier used in the gateway path.
	ID string `json:"id"`
	// OwnerID is the user that registered the wrapper.
	OwnerID string `json:"user_id"`
	// Name is the display name.
	Name string `json:"name"`
	// UpstreamURL is the absolute base URL requests are forwarded to.
	UpstreamURL string `json:"original_url"`
	// Price is the per request price as a decimal string, e.g. "0.001".
	Price string `json:"price"`
	// Token is NativeSOL, NativeXCB or a token mint / contract address.
	Token string `json:"token"`
	// TokenDecimals overrides the decimals used to convert Price to base units.
	TokenDecimals *uint8 `json:"token_decimals,omitempty"`
	// Network the payment must be made on.
	Network Network `json:"network"`
	// Recipient is the address that must receive the payment.
	Recipient string `json:"recipient"`
	// ForwardTimeout overrides the default upstream timeout when non zero.
	ForwardTimeout time.Duration `json:"forward_timeout,omitempty"`
	// RequireMemo makes the issued nonce mandatory in the payment transaction.
	RequireMemo bool `json:"require_memo,omitempty"`
}

// Validate checks the invariants a wrapper must satisfy before it can be served.
func (w *WrapperConfig) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("wrapper id is required")
	}
	if !amount.Positive(w.Price) {
		return fmt.Errorf("wrapper %s: price must be a positive decimal, got %q", w.ID, w.Price)
	}
	u, err := url.Parse(w.UpstreamURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("wrapper %s: upstream url must be an absolute http(s) url, got %q", w.ID, w.UpstreamURL)
	}
	if w.Token == "" {
		return fmt.Errorf("wrapper %s: token is required", w.ID)
	}

	switch {
	case w.Network.IsSolana():
		if err := validation.ValidateSolanaAddress(w.Recipient); err != nil {
			return fmt.Errorf("wrapper %s: invalid recipient: %w", w.ID, err)
		}
		if w.Token != NativeSOL {
			if err := validation.ValidateSolanaAddress(w.Token); err != nil {
				return fmt.Errorf("wrapper %s: invalid token mint: %w", w.ID, err)
			}
		}
	case w.Network.IsCore():
		if err := validation.ValidateAddress(w.Recipient); err != nil {
			return fmt.Errorf("wrapper %s: invalid recipient: %w", w.ID, err)
		}
		if w.Token != NativeXCB {
			if err := validation.ValidateAddress(w.Token); err != nil {
				return fmt.Errorf("wrapper %s: invalid token contract: %w", w.ID, err)
			}
		}
	default:
		return fmt.Errorf("wrapper %s: unsupported network %q", w.ID, w.Network)
	}

	return nil
}
