package domain

// AlgorithmAESGCM is the only algorithm tag the codec currently supports.
// The tag set is closed: anything else is rejected before key resolution.
const AlgorithmAESGCM = "AES-256-GCM"

// EncryptionMetadata travels with every ciphertext and is required to decrypt
// it. IV is transport-encoded as base64; CreatedAt is a provenance timestamp
// carried as an opaque string, never interpreted by the server.
type EncryptionMetadata struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
	IV        string `json:"iv"`
	CreatedAt string `json:"created_at"`
}

// SupportedAlgorithm reports whether the metadata names an algorithm the
// codec can handle.
func (m EncryptionMetadata) SupportedAlgorithm() bool {
	return m.Algorithm == AlgorithmAESGCM
}
