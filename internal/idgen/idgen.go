// Package idgen generates prefixed random identifiers.
//
// Every persisted record gets an ID like "esc_1f8a..." where the prefix
// names the record type and the tail is cryptographic randomness.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

const randomBytes = 12

// WithPrefix returns prefix + 24 hex chars of randomness.
func WithPrefix(prefix string) string {
	b := make([]byte, randomBytes)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand unavailable: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
