package domain

import "errors"

// Error taxonomy for the encrypted store and pipeline. Callers match with
// errors.Is; lower layers wrap these with operation context.
var (
	// ErrAccessDenied covers both "session does not exist" and "session is
	// owned by someone else". The two cases are deliberately
	// indistinguishable so existence never leaks across users.
	ErrAccessDenied = errors.New("session not found or access denied")

	// ErrIntegrity means a content hash did not match the ciphertext it
	// claims to cover. The affected read or write must abort.
	ErrIntegrity = errors.New("content hash verification failed")

	// ErrDecryption means AEAD authentication failed or the encryption
	// metadata was malformed. Fatal for the message it applies to.
	ErrDecryption = errors.New("decryption failed")

	// ErrValidation marks malformed caller input: bad base64, bad hex,
	// bad identifier format.
	ErrValidation = errors.New("invalid request")

	// ErrUpstreamUnavailable marks a generation backend failure. It never
	// escapes the pipeline; it triggers the fallback reply instead.
	ErrUpstreamUnavailable = errors.New("generation backend unavailable")
)
