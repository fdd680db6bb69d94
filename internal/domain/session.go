// Package domain contains core domain types for the cipherchat server.
package domain

import (
	"time"
)

// DefaultSessionTitle is the placeholder assigned to sessions created without
// an explicit title. A session keeps it until the first user message arrives.
const DefaultSessionTitle = "New Chat Session"

// Session represents one conversation thread owned by a single user.
type Session struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionSummary is a Session as returned by list queries, carrying the
// aggregate message count computed in the same query.
type SessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasDefaultTitle reports whether the session title is still the placeholder.
func (s *Session) HasDefaultTitle() bool {
	return s.Title == DefaultSessionTitle
}

// SessionData is the optional encrypted context blob attached to a session,
// stored alongside the metadata required to decrypt it.
type SessionData struct {
	Ciphertext []byte             `json:"ciphertext"`
	Metadata   EncryptionMetadata `json:"metadata"`
}
