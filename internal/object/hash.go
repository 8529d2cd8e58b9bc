package object

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashLength is the length of a hex encoded object hash.
const HashLength = sha256.Size * 2

// ComputeHash returns the content hash of canonical object bytes.
func ComputeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether h is a well formed object hash.
func ValidHash(h string) bool {
	if len(h) != HashLength {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
