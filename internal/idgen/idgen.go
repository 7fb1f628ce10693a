// Package idgen mints the random identifiers for escrows and offers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Identifiers carry 12 random bytes, so "esc_" + 24 hex digits.
const rawLen = 12

// WithPrefix returns prefix followed by 24 hex digits.
func WithPrefix(prefix string) string {
	var raw [rawLen]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// crypto/rand fails only when the OS entropy source is broken.
		panic("idgen: " + err.Error())
	}
	return prefix + hex.EncodeToString(raw[:])
}
