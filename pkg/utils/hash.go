package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashString returns a stable hex key for cache entries.
func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// HashParts hashes several fields joined by a separator that cannot appear in
// normalized query text.
func HashParts(parts ...string) string {
	return HashString(strings.Join(parts, "\x1f"))
}
