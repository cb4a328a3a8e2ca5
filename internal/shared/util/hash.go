package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// OwnerHash returns the hex SHA-256 of a user ID. Storage keys use it so the
// raw identity never appears in object paths.
func OwnerHash(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}
