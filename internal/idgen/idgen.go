// Package idgen generates random identifiers for records and requests.
// IDs are crypto-random so they are safe to expose to clients; they carry
// no ordering or timestamp information.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform entropy source is broken;
		// there is no sensible fallback.
		panic("idgen: " + err.Error())
	}
	return b
}

// New returns a UUID-shaped random ID (xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx).
func New() string {
	b := randomBytes(16)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix returns prefix + 24 hex chars, e.g. WithPrefix("cev_") for
// credit events or WithPrefix("req_") for request IDs.
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(randomBytes(12))
}

// Hex returns a random hex string of numBytes random bytes.
func Hex(numBytes int) string {
	return hex.EncodeToString(randomBytes(numBytes))
}
