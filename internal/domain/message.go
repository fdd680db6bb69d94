package domain

import (
	"time"
)

// SenderRole identifies which side of the conversation produced a message.
type SenderRole string

const (
	RoleUser SenderRole = "user"
	RoleBot  SenderRole = "bot"
)

// Valid reports whether the role is one of the known sender roles.
func (r SenderRole) Valid() bool {
	return r == RoleUser || r == RoleBot
}

// Message is one encrypted conversation turn. Ciphertext, metadata and hash
// are immutable once written; messages are only ever appended.
type Message struct {
	ID          string             `json:"id"`
	SessionID   string             `json:"session_id"`
	Sender      SenderRole         `json:"sender_type"`
	Ciphertext  []byte             `json:"-"`
	Metadata    EncryptionMetadata `json:"encryption_metadata"`
	ContentHash string             `json:"content_hash"`
	AuxData     []byte             `json:"-"` // optional JSON (e.g. source citations)
	CreatedAt   time.Time          `json:"created_at"`
}
