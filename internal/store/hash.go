package store

import (
	"crypto/sha256"
	"encoding/hex"
)

// FingerprintAction computes the dedup fingerprint of a queued mutation.
// A unique index on this value keeps the queue at most one action per
// logical mutation, even when a spool file is delivered twice.
func FingerprintAction(actionType string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(actionType))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
