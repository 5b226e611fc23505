package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAddress(t *testing.T) {
	valid := "cb" + strings.Repeat("1a", 21)
	assert.NoError(t, ValidateAddress(valid))
	assert.NoError(t, ValidateAddress("0x"+valid))
	assert.Error(t, ValidateAddress(""))
	assert.Error(t, ValidateAddress("cb12"))
	assert.Error(t, ValidateAddress("zz"+strings.Repeat("1a", 21)))
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "cbabcdef", NormalizeAddress("0XCBABCDEF"))
}

func TestValidateSolanaAddress(t *testing.T) {
	assert.NoError(t, ValidateSolanaAddress("11111111111111111111111111111111"))
	assert.NoError(t, ValidateSolanaAddress("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"))
	assert.Error(t, ValidateSolanaAddress(""))
	assert.Error(t, ValidateSolanaAddress("0OIl"))
}

func TestValidateSolanaSignature(t *testing.T) {
	assert.Error(t, ValidateSolanaSignature(""))
	assert.Error(t, ValidateSolanaSignature("short"))
}

func TestValidateCoreTxHash(t *testing.T) {
	assert.NoError(t, ValidateCoreTxHash("0x"+strings.Repeat("ab", 32)))
	assert.Error(t, ValidateCoreTxHash("0x1234"))
}
