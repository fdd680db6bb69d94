package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mkravets/cipherchat/internal/domain"
)

// PostgresStore implements Repository using PostgreSQL via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed repository and ensures the schema.
func NewPostgres(ctx context.Context, databaseURL string) (Repository, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initChatSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initChatSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			session_data BYTEA,
			session_metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner_updated ON sessions (owner_id, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			sender_type TEXT NOT NULL,
			ciphertext BYTEA NOT NULL,
			metadata JSONB NOT NULL,
			content_hash TEXT NOT NULL,
			aux_json JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages (session_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init chat schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateSession creates a session for ownerID, defaulting the title.
func (s *PostgresStore) CreateSession(ctx context.Context, ownerID, title string) (*domain.Session, error) {
	if title == "" {
		title = domain.DefaultSessionTitle
	}
	now := time.Now().UTC()
	session := &domain.Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, owner_id, title, created_at, updated_at) VALUES ($1,$2,$3,$4,$5)`,
		session.ID, session.OwnerID, session.Title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// GetSession retrieves a session scoped to its owner.
func (s *PostgresStore) GetSession(ctx context.Context, sessionID, ownerID string) (*domain.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, title, created_at, updated_at FROM sessions WHERE id=$1 AND owner_id=$2`,
		sessionID, ownerID,
	)

	var session domain.Session
	err := row.Scan(&session.ID, &session.OwnerID, &session.Title, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return &session, nil
}

// ListSessions returns the owner's sessions newest-updated first with counts.
func (s *PostgresStore) ListSessions(ctx context.Context, ownerID string, limit, offset int) ([]*domain.SessionSummary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.title, COUNT(m.id), s.created_at, s.updated_at
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		WHERE s.owner_id = $1
		GROUP BY s.id
		ORDER BY s.updated_at DESC
		LIMIT $2 OFFSET $3`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.SessionSummary
	for rows.Next() {
		var sum domain.SessionSummary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.MessageCount, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sessions = append(sessions, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session; messages cascade via the FK.
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID, ownerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id=$1 AND owner_id=$2`, sessionID, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateTitle sets the session title and bumps updated_at.
func (s *PostgresStore) UpdateTitle(ctx context.Context, sessionID, ownerID, title string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET title=$1, updated_at=$2 WHERE id=$3 AND owner_id=$4`,
		title, time.Now().UTC(), sessionID, ownerID,
	)
	if err != nil {
		return false, fmt.Errorf("update title: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendMessage inserts a message under the ownership check inside one
// transaction, locking the session row so a concurrent delete cannot race
// the insert.
func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID, ownerID string, msg *domain.Message, derivedTitle string) (*domain.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var currentTitle string
	err = tx.QueryRow(ctx,
		`SELECT title FROM sessions WHERE id=$1 AND owner_id=$2 FOR UPDATE`,
		sessionID, ownerID,
	).Scan(&currentTitle)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccessDenied
	}
	if err != nil {
		return nil, fmt.Errorf("check session ownership: %w", err)
	}

	stored := *msg
	stored.ID = uuid.NewString()
	stored.SessionID = sessionID
	stored.CreatedAt = time.Now().UTC()

	mdJSON, err := json.Marshal(stored.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	var auxJSON interface{}
	if len(stored.AuxData) > 0 {
		auxJSON = string(stored.AuxData)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, session_id, sender_type, ciphertext, metadata, content_hash, aux_json, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		stored.ID, stored.SessionID, string(stored.Sender), stored.Ciphertext,
		string(mdJSON), stored.ContentHash, auxJSON, stored.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	now := time.Now().UTC()
	if derivedTitle != "" && stored.Sender == domain.RoleUser && currentTitle == domain.DefaultSessionTitle {
		_, err = tx.Exec(ctx, `UPDATE sessions SET title=$1, updated_at=$2 WHERE id=$3`, derivedTitle, now, sessionID)
	} else {
		_, err = tx.Exec(ctx, `UPDATE sessions SET updated_at=$1 WHERE id=$2`, now, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("bump session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &stored, nil
}

// ListMessages returns the session's messages in insertion order.
func (s *PostgresStore) ListMessages(ctx context.Context, sessionID, ownerID string) ([]*domain.Message, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM sessions WHERE id=$1 AND owner_id=$2`, sessionID, ownerID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccessDenied
	}
	if err != nil {
		return nil, fmt.Errorf("check session ownership: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, sender_type, ciphertext, metadata, content_hash, aux_json, created_at
		FROM messages WHERE session_id=$1
		ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var sender string
		var mdJSON []byte
		var auxJSON *string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &sender, &msg.Ciphertext, &mdJSON, &msg.ContentHash, &auxJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if err := json.Unmarshal(mdJSON, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for message %s: %w", msg.ID, err)
		}
		msg.Sender = domain.SenderRole(sender)
		if auxJSON != nil {
			msg.AuxData = []byte(*auxJSON)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// SetSessionData stores the encrypted session-context blob and its metadata.
func (s *PostgresStore) SetSessionData(ctx context.Context, sessionID, ownerID string, data *domain.SessionData) (bool, error) {
	mdJSON, err := json.Marshal(data.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal session metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET session_data=$1, session_metadata=$2, updated_at=$3 WHERE id=$4 AND owner_id=$5`,
		data.Ciphertext, string(mdJSON), time.Now().UTC(), sessionID, ownerID,
	)
	if err != nil {
		return false, fmt.Errorf("update session data: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetSessionData returns the encrypted session-context blob, if any.
func (s *PostgresStore) GetSessionData(ctx context.Context, sessionID, ownerID string) (*domain.SessionData, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT session_data, session_metadata FROM sessions WHERE id=$1 AND owner_id=$2`,
		sessionID, ownerID,
	)

	var blob []byte
	var mdJSON []byte
	err := row.Scan(&blob, &mdJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session data: %w", err)
	}
	if len(blob) == 0 || len(mdJSON) == 0 {
		return nil, nil
	}

	var data domain.SessionData
	data.Ciphertext = blob
	if err := json.Unmarshal(mdJSON, &data.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal session metadata: %w", err)
	}
	return &data, nil
}
