// Package sha256 fingerprints archived content.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher computes the content hash recorded on every ArtifactRef. The
// digest is taken over the original payload before compression, so refs
// written by different nodes stay comparable.
type Hasher struct{}

// New returns a SHA-256 content hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex SHA-256 digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
