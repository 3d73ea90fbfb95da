package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// maxSupportedDecimals guards against corrupt token metadata producing
// absurd exponents. ERC-20 tokens top out at 18; a few exotics use more.
const maxSupportedDecimals = 36

// AmountFromRaw converts an integer amount in a token's smallest unit to a
// decimals-adjusted decimal value.
// Example: raw=1234500000000000000, decimals=18 => 1.2345
func AmountFromRaw(raw *big.Int, decimals uint8) (decimal.Decimal, error) {
	if raw == nil {
		return decimal.Zero, fmt.Errorf("raw amount is nil")
	}
	if raw.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("raw amount is negative: %s", raw.String())
	}
	if decimals > maxSupportedDecimals {
		return decimal.Zero, fmt.Errorf("token decimals %d exceeds supported maximum %d", decimals, maxSupportedDecimals)
	}
	return decimal.NewFromBigInt(new(big.Int).Set(raw), -int32(decimals)), nil
}

// SameAddress compares two chain addresses case-insensitively, the only
// safe comparison for EVM hex addresses coming from mixed-case sources.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// NormalizeAddress lowercases and trims an address for use in map keys.
func NormalizeAddress(a string) string {
	return strings.ToLower(strings.TrimSpace(a))
}
