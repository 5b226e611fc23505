package validation

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// ValidateAddress validates a Core blockchain address format
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	normalized := strings.TrimPrefix(addr, "0x")
	normalized = strings.TrimPrefix(normalized, "0X")

	// 44 hex characters = 22 bytes
	if len(normalized) != 44 {
		return fmt.Errorf("invalid address length: expected 44 characters (without 0x), got %d", len(normalized))
	}

	if _, err := hex.DecodeString(normalized); err != nil {
		return fmt.Errorf("invalid hex address: %w", err)
	}

	return nil
}

// NormalizeAddress converts a Core address to lowercase without 0x prefix
func NormalizeAddress(addr string) string {
	addr = strings.TrimPrefix(addr, "0x")
	addr = strings.TrimPrefix(addr, "0X")
	return strings.ToLower(addr)
}

// ValidateSolanaAddress checks that addr is a base58 encoded 32 byte public key.
func ValidateSolanaAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return fmt.Errorf("invalid solana address: %w", err)
	}
	return nil
}

// ValidateSolanaSignature checks that sig is a base58 encoded transaction signature.
func ValidateSolanaSignature(sig string) error {
	if sig == "" {
		return fmt.Errorf("signature cannot be empty")
	}
	if _, err := solana.SignatureFromBase58(sig); err != nil {
		return fmt.Errorf("invalid solana signature: %w", err)
	}
	return nil
}

// ValidateCoreTxHash checks a Core transaction hash (32 bytes hex).
func ValidateCoreTxHash(hash string) error {
	normalized := NormalizeAddress(hash)
	if len(normalized) != 64 {
		return fmt.Errorf("invalid transaction hash length: expected 64 characters (without 0x), got %d", len(normalized))
	}
	if _, err := hex.DecodeString(normalized); err != nil {
		return fmt.Errorf("invalid hex transaction hash: %w", err)
	}
	return nil
}
