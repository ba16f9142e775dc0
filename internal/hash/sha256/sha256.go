// Package sha256 provides SHA-256 hashing for saved artifacts.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements farm.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Short trims a digest to the first n characters for log fields.
func Short(digest string, n int) string {
	if n <= 0 || len(digest) <= n {
		return digest
	}
	return digest[:n]
}
