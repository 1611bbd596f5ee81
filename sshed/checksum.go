package sshed

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Digest returns the SHA-256 digest of data as 64 lowercase hex characters.
// Checksums cover content bytes only, never frame headers.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum compares the digest of data against an expected hex digest
// in constant effort.
func VerifyChecksum(data []byte, expected string) bool {
	actual := Digest(data)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1
}
