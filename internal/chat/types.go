// Package chat implements the message pipeline: the only component that ever
// holds plaintext, and only for the duration of a single turn.
package chat

import (
	"context"
	"strings"
	"time"

	"github.com/mkravets/cipherchat/internal/domain"
	"github.com/mkravets/cipherchat/internal/rag"
)

// Generator is the external generation collaborator. Implemented by
// rag.Client; faked in tests.
type Generator interface {
	Generate(ctx context.Context, query string, history []rag.HistoryEntry, maxTokens int) (answer string, sources []string, err error)
}

// FallbackAnswer is the canned plaintext substituted when the generation
// backend is unavailable. It goes through the same encrypt-and-hash path as
// a real answer.
const FallbackAnswer = "I'm having trouble reaching my knowledge base right now. Please try again in a moment."

// titleMaxRunes is the length of the plaintext prefix used for auto-titling.
const titleMaxRunes = 50

// TurnRequest is one inbound user turn. Ciphertext is already
// transport-decoded; ContentHash is the caller's claimed hex digest.
type TurnRequest struct {
	SessionID   string // empty means "create a new session"
	Ciphertext  []byte
	Metadata    domain.EncryptionMetadata
	ContentHash string
}

// TurnResponse is the encrypted bot turn handed back to the caller.
type TurnResponse struct {
	SessionID   string
	Ciphertext  []byte
	Metadata    domain.EncryptionMetadata
	ContentHash string
	Sources     []string
}

// StoredMessage is one persisted turn as returned on the history read path.
type StoredMessage struct {
	ID          string
	Sender      domain.SenderRole
	Ciphertext  []byte
	Metadata    domain.EncryptionMetadata
	ContentHash string
	AuxData     []byte
	CreatedAt   time.Time
}

// deriveTitle builds a session title from the first user message: the first
// titleMaxRunes runes, with an ellipsis marker when truncated.
func deriveTitle(plaintext string) string {
	trimmed := strings.TrimSpace(plaintext)
	if trimmed == "" {
		return ""
	}
	runes := []rune(trimmed)
	if len(runes) <= titleMaxRunes {
		return trimmed
	}
	return string(runes[:titleMaxRunes]) + "..."
}
