// Package amount converts human decimal token amounts to integer base units
// and back without going through floating point.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrNegativeAmount   = errors.New("amount must not be negative")
	ErrTooManyDecimals  = errors.New("amount has more decimal places than the token supports")
	ErrDecimalsTooLarge = errors.New("token decimals out of range")
)

// MaxDecimals bounds the exponent used for base unit conversion.
const MaxDecimals = 36

// decimalPattern is plain decimal notation with an optional short exponent.
var decimalPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?([eE][+-]?[0-9]{1,2})?$`)

// Parse parses a non-negative decimal string such as "0.001", "12" or "1e-3".
// Fractions ("1/3") and hex or binary forms ("0x1p-3") are rejected even
// though big.Rat would accept them.
func Parse(s string) (*big.Rat, error) {
	s = strings.TrimSpace(s)
	if !decimalPattern.MatchString(s) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrNegativeAmount, s)
	}
	return r, nil
}

// ToBaseUnits converts a decimal amount to the smallest unit of a token with
// the given number of decimals. Amounts that cannot be represented exactly fail.
func ToBaseUnits(s string, decimals uint8) (*big.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("%w: %d", ErrDecimalsTooLarge, decimals)
	}
	r, err := Parse(s)
	if err != nil {
		return nil, err
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(pow10(decimals)))
	if !scaled.IsInt() {
		return nil, fmt.Errorf("%w: %q with %d decimals", ErrTooManyDecimals, s, decimals)
	}
	return new(big.Int).Set(scaled.Num()), nil
}

// FromBaseUnits renders base units as a decimal string with trailing zeros
// removed, e.g. 1000000 with 9 decimals is "0.001".
func FromBaseUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	neg := v.Sign() < 0
	digits := new(big.Int).Abs(v).String()
	if decimals > 0 {
		if len(digits) <= int(decimals) {
			digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
		}
		point := len(digits) - int(decimals)
		intPart, frac := digits[:point], strings.TrimRight(digits[point:], "0")
		digits = intPart
		if frac != "" {
			digits += "." + frac
		}
	}
	if neg {
		return "-" + digits
	}
	return digits
}

// Equal reports whether two decimal strings denote the same value.
func Equal(a, b string) (bool, error) {
	ra, err := Parse(a)
	if err != nil {
		return false, err
	}
	rb, err := Parse(b)
	if err != nil {
		return false, err
	}
	return ra.Cmp(rb) == 0, nil
}

// Positive reports whether s parses to a value greater than zero.
func Positive(s string) bool {
	r, err := Parse(s)
	return err == nil && r.Sign() > 0
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
