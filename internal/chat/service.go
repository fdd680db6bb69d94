package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/mkravets/cipherchat/internal/crypto"
	"github.com/mkravets/cipherchat/internal/domain"
	"github.com/mkravets/cipherchat/internal/observability"
	"github.com/mkravets/cipherchat/internal/store"
)

// Service orchestrates codec and store for each chat turn and exposes the
// ownership-scoped session operations to the API layer.
type Service struct {
	repo       store.Repository
	codec      *crypto.Codec
	gen        Generator
	metrics    *observability.Metrics
	maxTokens  int
	genTimeout time.Duration
}

// NewService creates the message pipeline. metrics may be nil (tests).
func NewService(repo store.Repository, codec *crypto.Codec, gen Generator, metrics *observability.Metrics, maxTokens int, genTimeout time.Duration) *Service {
	return &Service{
		repo:       repo,
		codec:      codec,
		gen:        gen,
		metrics:    metrics,
		maxTokens:  maxTokens,
		genTimeout: genTimeout,
	}
}

// Chat processes one user turn end to end: verify, store, rebuild context,
// generate (or fall back), re-encrypt, store, return.
func (s *Service) Chat(ctx context.Context, ownerID string, req TurnRequest) (TurnResponse, error) {
	start := time.Now()
	t := &turn{svc: s, ownerID: ownerID, req: req}
	resp, err := t.run(ctx)
	if s.metrics != nil {
		s.metrics.ObserveTurn(t.outcome(), time.Since(start))
	}
	return resp, err
}

// History returns the session's stored turns, ciphertext and metadata intact,
// after verifying each stored content hash.
func (s *Service) History(ctx context.Context, ownerID, sessionID string) ([]StoredMessage, error) {
	messages, err := s.repo.ListMessages(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}

	out := make([]StoredMessage, 0, len(messages))
	for _, msg := range messages {
		if !crypto.VerifyHash(msg.Ciphertext, msg.ContentHash) {
			return nil, fmt.Errorf("stored message %s: %w", msg.ID, domain.ErrIntegrity)
		}
		out = append(out, StoredMessage{
			ID:          msg.ID,
			Sender:      msg.Sender,
			Ciphertext:  msg.Ciphertext,
			Metadata:    msg.Metadata,
			ContentHash: msg.ContentHash,
			AuxData:     msg.AuxData,
			CreatedAt:   msg.CreatedAt,
		})
	}
	return out, nil
}

// CreateSession creates a session with an optional title.
func (s *Service) CreateSession(ctx context.Context, ownerID, title string) (*domain.Session, error) {
	return s.repo.CreateSession(ctx, ownerID, title)
}

// ListSessions returns the caller's sessions, newest-updated first.
func (s *Service) ListSessions(ctx context.Context, ownerID string, limit, offset int) ([]*domain.SessionSummary, error) {
	return s.repo.ListSessions(ctx, ownerID, limit, offset)
}

// DeleteSession removes a session and its messages.
func (s *Service) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	ok, err := s.repo.DeleteSession(ctx, sessionID, ownerID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrAccessDenied
	}
	return nil
}

// RenameSession sets a session's title.
func (s *Service) RenameSession(ctx context.Context, ownerID, sessionID, title string) error {
	if title == "" {
		return fmt.Errorf("%w: title cannot be empty", domain.ErrValidation)
	}
	ok, err := s.repo.UpdateTitle(ctx, sessionID, ownerID, title)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrAccessDenied
	}
	return nil
}

// SetSessionData attaches an encrypted context blob to the session after
// verifying its metadata names a supported algorithm.
func (s *Service) SetSessionData(ctx context.Context, ownerID, sessionID string, data *domain.SessionData) error {
	if !data.Metadata.SupportedAlgorithm() {
		return fmt.Errorf("%w: unsupported algorithm %q", domain.ErrValidation, data.Metadata.Algorithm)
	}
	ok, err := s.repo.SetSessionData(ctx, sessionID, ownerID, data)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrAccessDenied
	}
	return nil
}

// GetSessionData returns the session's encrypted context blob.
func (s *Service) GetSessionData(ctx context.Context, ownerID, sessionID string) (*domain.SessionData, error) {
	data, err := s.repo.GetSessionData(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, domain.ErrAccessDenied
	}
	return data, nil
}

func (s *Service) countFallback() {
	if s.metrics != nil {
		s.metrics.Fallbacks.Inc()
	}
}

func (s *Service) countDecryptFailure() {
	if s.metrics != nil {
		s.metrics.DecryptFailures.Inc()
	}
}
