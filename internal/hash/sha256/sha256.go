// Package sha256 names archived payloads by content. An object name is
// <source>/<yyyy>/<mm>/<dd>/<digest>.json, so a page archived twice on the
// same day lands on the same object.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"time"
)

// Hasher digests payload bodies with SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ObjectName returns the archive name for a source payload seen on day.
func (h *Hasher) ObjectName(source string, day time.Time, data []byte) string {
	day = day.UTC()
	return path.Join(source, day.Format("2006"), day.Format("01"), day.Format("02"), h.Hash(data)+".json")
}
