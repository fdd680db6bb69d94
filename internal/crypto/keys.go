package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"
)

// ErrInvalidKeyLength is returned when a resolved key is not KeySize bytes.
var ErrInvalidKeyLength = errors.New("invalid key length")

// placeholderKey is the fixed fallback key used for unknown key ids. It exists
// so the server stays interoperable with clients that have not completed key
// exchange; it must never be relied on for real secrecy.
var placeholderKey = []byte("placeholder_key_32_bytes_long_fo")

// KeyProvider resolves an opaque key id to a symmetric key. Implementations
// stand in for a real key-management integration and are interchangeable.
type KeyProvider interface {
	Resolve(keyID string) ([]byte, error)
}

// StaticProvider resolves one well-known key id to a fixed pre-shared key and
// falls back to the placeholder key for anything else.
type StaticProvider struct {
	knownID  string
	knownKey []byte
}

// NewStaticProvider builds a provider for a single pre-shared key, given
// base64-encoded. The key must decode to exactly KeySize bytes.
func NewStaticProvider(knownID, keyB64 string) (*StaticProvider, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decode pre-shared key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: pre-shared key is %d bytes, want %d", ErrInvalidKeyLength, len(key), KeySize)
	}
	return &StaticProvider{knownID: knownID, knownKey: key}, nil
}

// Resolve returns the pre-shared key for the known id and the placeholder key
// otherwise.
func (p *StaticProvider) Resolve(keyID string) ([]byte, error) {
	if keyID == p.knownID {
		return p.knownKey, nil
	}
	slog.Warn("using placeholder key", "key_id", keyID)
	return placeholderKey, nil
}

// HKDFProvider derives a distinct key per key id from a master secret using
// HKDF-SHA256, with the key id as the info string. Derivation is
// deterministic, so no per-key state needs to be stored.
type HKDFProvider struct {
	master []byte
}

// NewHKDFProvider builds a provider from a base64-encoded master secret.
func NewHKDFProvider(masterB64 string) (*HKDFProvider, error) {
	master, err := base64.StdEncoding.DecodeString(masterB64)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(master) < KeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, want at least %d", ErrInvalidKeyLength, len(master), KeySize)
	}
	return &HKDFProvider{master: master}, nil
}

// Resolve derives the key for keyID.
func (p *HKDFProvider) Resolve(keyID string) ([]byte, error) {
	h := hkdf.New(sha256.New, p.master, nil, []byte("message-key:"+keyID))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("derive key for %q: %w", keyID, err)
	}
	return out, nil
}
