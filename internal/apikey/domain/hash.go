package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashAPIKey maps a raw bearer secret to the stored lookup hash. Only the
// hash is persisted; the raw key is shown once at creation.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
