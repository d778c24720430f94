package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashString returns the hex SHA-256 of input. Used for asset digests and to
// key per-session rows without storing bearer tokens.
func HashString(input string) string {
	return HashBytes([]byte(input))
}

func HashBytes(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}
