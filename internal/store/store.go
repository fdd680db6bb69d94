// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/mkravets/cipherchat/internal/domain"
)

// Repository defines ownership-scoped persistence for sessions and their
// encrypted messages. Implementations never see plaintext; the only plaintext
// they handle is the pipeline-derived session title.
//
// Every read takes the caller's owner id and treats an ownership mismatch
// exactly like absence. Every mutation performs its ownership check and the
// write inside one transaction.
type Repository interface {
	// CreateSession creates a session for ownerID. An empty title gets the
	// default placeholder.
	CreateSession(ctx context.Context, ownerID, title string) (*domain.Session, error)

	// GetSession returns the session, or (nil, nil) when it does not exist
	// or belongs to a different owner.
	GetSession(ctx context.Context, sessionID, ownerID string) (*domain.Session, error)

	// ListSessions returns the owner's sessions ordered by last update
	// descending, each with its aggregate message count.
	ListSessions(ctx context.Context, ownerID string, limit, offset int) ([]*domain.SessionSummary, error)

	// DeleteSession removes the session and all its messages. Returns false
	// when the session is missing or not owned.
	DeleteSession(ctx context.Context, sessionID, ownerID string) (bool, error)

	// UpdateTitle sets the title and bumps the update timestamp. Returns
	// false when the session is missing or not owned.
	UpdateTitle(ctx context.Context, sessionID, ownerID, title string) (bool, error)

	// AppendMessage inserts a message and bumps the session's update
	// timestamp in one transaction. When derivedTitle is non-empty, the
	// message is a user turn and the session still has the default title,
	// the title is set in the same transaction. Returns
	// domain.ErrAccessDenied when the session is missing or not owned.
	AppendMessage(ctx context.Context, sessionID, ownerID string, msg *domain.Message, derivedTitle string) (*domain.Message, error)

	// ListMessages returns the session's messages in insertion order.
	// Returns domain.ErrAccessDenied when the session is missing or not
	// owned.
	ListMessages(ctx context.Context, sessionID, ownerID string) ([]*domain.Message, error)

	// SetSessionData attaches an encrypted context blob and its metadata to
	// the session. Returns false when the session is missing or not owned.
	SetSessionData(ctx context.Context, sessionID, ownerID string, data *domain.SessionData) (bool, error)

	// GetSessionData returns the session's encrypted context blob, or
	// (nil, nil) when the session is missing, not owned, or has no blob.
	GetSessionData(ctx context.Context, sessionID, ownerID string) (*domain.SessionData, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
