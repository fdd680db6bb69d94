package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/mkravets/cipherchat/internal/domain"
)

const testKeyID = "client_app_key"

func testCodec(t *testing.T) *Codec {
	t.Helper()
	keyB64 := base64.StdEncoding.EncodeToString(placeholderKey)
	provider, err := NewStaticProvider(testKeyID, keyB64)
	if err != nil {
		t.Fatalf("NewStaticProvider: %v", err)
	}
	return NewCodec(provider)
}

func inboundMetadata() domain.EncryptionMetadata {
	return domain.EncryptionMetadata{
		Algorithm: domain.AlgorithmAESGCM,
		KeyID:     testKeyID,
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	codec := testCodec(t)

	plaintexts := []string{
		"hello",
		"",
		"многострочный текст с юникодом 🙂",
		strings.Repeat("long message ", 1000),
	}

	for _, want := range plaintexts {
		ciphertext, md, err := codec.Encrypt(want, inboundMetadata())
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", want, err)
		}
		if md.Algorithm != domain.AlgorithmAESGCM {
			t.Errorf("metadata algorithm = %q, want %q", md.Algorithm, domain.AlgorithmAESGCM)
		}
		if md.KeyID != testKeyID {
			t.Errorf("metadata key id = %q, want %q", md.KeyID, testKeyID)
		}
		if md.CreatedAt == "" {
			t.Error("metadata created_at is empty")
		}

		got, err := codec.Decrypt(ciphertext, md)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != want {
			t.Errorf("round trip = %q, want %q", got, want)
		}
	}
}

func TestEncryptRejectsUnsupportedAlgorithm(t *testing.T) {
	codec := testCodec(t)

	md := inboundMetadata()
	md.Algorithm = "ROT13"
	if _, _, err := codec.Encrypt("payload", md); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}

	// An empty tag requests the default algorithm.
	md.Algorithm = ""
	if _, out, err := codec.Encrypt("payload", md); err != nil {
		t.Fatalf("Encrypt with empty tag: %v", err)
	} else if out.Algorithm != domain.AlgorithmAESGCM {
		t.Errorf("outbound algorithm = %q, want %q", out.Algorithm, domain.AlgorithmAESGCM)
	}
}

func TestEncryptGeneratesFreshNonce(t *testing.T) {
	codec := testCodec(t)

	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		_, md, err := codec.Encrypt("same plaintext", inboundMetadata())
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if seen[md.IV] {
			t.Fatalf("nonce %q repeated", md.IV)
		}
		seen[md.IV] = true

		nonce, err := base64.StdEncoding.DecodeString(md.IV)
		if err != nil {
			t.Fatalf("decode IV: %v", err)
		}
		if len(nonce) != NonceSize {
			t.Fatalf("nonce length = %d, want %d", len(nonce), NonceSize)
		}
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	codec := testCodec(t)

	ciphertext, md, err := codec.Encrypt("sensitive content", inboundMetadata())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	ciphertext[0] ^= 0x01
	if _, err := codec.Decrypt(ciphertext, md); !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("tampered ciphertext error = %v, want ErrDecryption", err)
	}
}

func TestDecryptRejectsBadMetadata(t *testing.T) {
	codec := testCodec(t)

	ciphertext, md, err := codec.Encrypt("payload", inboundMetadata())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(md *domain.EncryptionMetadata)
	}{
		{"unsupported algorithm", func(md *domain.EncryptionMetadata) { md.Algorithm = "ROT13" }},
		{"missing IV", func(md *domain.EncryptionMetadata) { md.IV = "" }},
		{"garbage IV", func(md *domain.EncryptionMetadata) { md.IV = "not base64!!!" }},
		{"short IV", func(md *domain.EncryptionMetadata) {
			md.IV = base64.StdEncoding.EncodeToString([]byte("short"))
		}},
		{"swapped nonce", func(md *domain.EncryptionMetadata) {
			md.IV = base64.StdEncoding.EncodeToString(make([]byte, NonceSize))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := md
			tt.mutate(&bad)
			if _, err := codec.Decrypt(ciphertext, bad); !errors.Is(err, domain.ErrDecryption) {
				t.Errorf("error = %v, want ErrDecryption", err)
			}
		})
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	codec := testCodec(t)

	ciphertext, md, err := codec.Encrypt("secret", inboundMetadata())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// An unknown key id resolves to the placeholder key, which here is a
	// different key than the pre-shared one only when the ids differ.
	otherKey := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", KeySize)))
	otherProvider, err := NewStaticProvider(testKeyID, otherKey)
	if err != nil {
		t.Fatalf("NewStaticProvider: %v", err)
	}
	other := NewCodec(otherProvider)

	if _, err := other.Decrypt(ciphertext, md); !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("wrong key error = %v, want ErrDecryption", err)
	}
}
