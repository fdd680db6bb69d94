// Package crypto implements the authenticated-encryption codec and the
// content-integrity hash used by the message pipeline.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/mkravets/cipherchat/internal/domain"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
)

// Codec performs AES-256-GCM encryption and decryption of single plaintext
// strings. Keys are resolved through the injected KeyProvider; a fresh random
// nonce is generated for every Encrypt call.
type Codec struct {
	keys KeyProvider
}

// NewCodec creates a codec backed by the given key provider.
func NewCodec(keys KeyProvider) *Codec {
	return &Codec{keys: keys}
}

// Encrypt seals plaintext under the key selected by the inbound metadata's
// key id and returns the ciphertext together with fresh outbound metadata
// carrying the new base64-encoded nonce.
func (c *Codec) Encrypt(plaintext string, inbound domain.EncryptionMetadata) ([]byte, domain.EncryptionMetadata, error) {
	var out domain.EncryptionMetadata

	// The algorithm tag set is closed. An empty inbound tag asks for the
	// default; anything else must name a supported algorithm.
	if inbound.Algorithm != "" && !inbound.SupportedAlgorithm() {
		return nil, out, fmt.Errorf("%w: unsupported algorithm %q", domain.ErrValidation, inbound.Algorithm)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, out, fmt.Errorf("generate nonce: %w", err)
	}

	gcm, err := c.aead(inbound.KeyID)
	if err != nil {
		return nil, out, err
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	out = domain.EncryptionMetadata{
		Algorithm: domain.AlgorithmAESGCM,
		KeyID:     inbound.KeyID,
		IV:        base64.StdEncoding.EncodeToString(nonce),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	return ciphertext, out, nil
}

// Decrypt opens ciphertext using the nonce and key id carried in its own
// metadata. Missing or undecodable nonces, unsupported algorithm tags and
// failed authentication all surface as domain.ErrDecryption.
func (c *Codec) Decrypt(ciphertext []byte, md domain.EncryptionMetadata) (string, error) {
	if !md.SupportedAlgorithm() {
		return "", fmt.Errorf("%w: unsupported algorithm %q", domain.ErrDecryption, md.Algorithm)
	}
	if md.IV == "" {
		return "", fmt.Errorf("%w: metadata has no IV", domain.ErrDecryption)
	}
	nonce, err := base64.StdEncoding.DecodeString(md.IV)
	if err != nil {
		return "", fmt.Errorf("%w: decode IV: %v", domain.ErrDecryption, err)
	}
	if len(nonce) != NonceSize {
		return "", fmt.Errorf("%w: IV must be %d bytes, got %d", domain.ErrDecryption, NonceSize, len(nonce))
	}

	gcm, err := c.aead(md.KeyID)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}

func (c *Codec) aead(keyID string) (cipher.AEAD, error) {
	key, err := c.keys.Resolve(keyID)
	if err != nil {
		return nil, fmt.Errorf("resolve key %q: %w", keyID, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key for %q is %d bytes, want %d", ErrInvalidKeyLength, keyID, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
