// Package amount converts between human-readable token amounts and integer base units.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxDecimals bounds token precision; ERC-20 tokens use at most 18 in practice.
const MaxDecimals = 77

var ErrInvalidAmount = errors.New("amount: invalid amount")

// ToBaseUnits converts a decimal string such as "1.5" into base units for a token with the given
// number of decimals. Extra precision is truncated, never rounded up.
func ToBaseUnits(s string, decimals int32) (*big.Int, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return nil, fmt.Errorf("%w: decimals %d out of range", ErrInvalidAmount, decimals)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	return d.Shift(decimals).Truncate(0).BigInt(), nil
}

// ParseBaseUnits parses an integer base-unit string. Zero and negative values are rejected.
func ParseBaseUnits(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidAmount, s)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: must be > 0", ErrInvalidAmount)
	}
	return v, nil
}

// FromBaseUnits renders base units as a decimal string with trailing zeros removed.
func FromBaseUnits(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}
