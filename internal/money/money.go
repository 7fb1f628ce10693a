// Package money provides fixed-point parsing and formatting for exchange
// amounts.
//
// Every amount in the engine is carried as a big.Int in millionths
// (6 decimal places), regardless of which ledger it settles on. Adapters
// convert to ledger-native units (drops, satoshis, wei) at the boundary.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 6

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// MustParse is Parse for trusted literals. It panics on invalid input and
// exists for configuration defaults and test fixtures.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("money: invalid amount " + s)
	}
	return v
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// GTE reports whether a >= b, treating nil as zero.
func GTE(a, b *big.Int) bool {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	return a.Cmp(b) >= 0
}
