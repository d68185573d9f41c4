// Package sha256 provides the content digest used for article fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher digests ordered content parts with SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Sum hashes the parts separated by a NUL byte and returns a hex digest, so
// ("ab", "c") and ("a", "bc") never collide.
func (h *Hasher) Sum(parts ...string) string {
	d := sha256.New()
	for i, p := range parts {
		if i > 0 {
			d.Write([]byte{0})
		}
		d.Write([]byte(p))
	}
	return hex.EncodeToString(d.Sum(nil))
}
