package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// ComputeHash returns the hex-encoded SHA-256 digest of the ciphertext bytes
// exactly as stored. It is checked independently of the AEAD tag so
// corruption can be detected before paying for a decrypt.
func ComputeHash(ciphertext []byte) string {
	sum := sha256.Sum256(ciphertext)
	return hex.EncodeToString(sum[:])
}

// VerifyHash recomputes the digest and compares it against the claimed hash.
// Any mismatch is a hard integrity failure for the caller.
func VerifyHash(ciphertext []byte, claimed string) bool {
	if claimed == "" {
		return false
	}
	computed := ComputeHash(ciphertext)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(claimed)) == 1
}
