package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mkravets/cipherchat/internal/domain"
	"github.com/mkravets/cipherchat/internal/shared"
	_ "modernc.org/sqlite"
)

// DefaultListLimit bounds session listings when the caller passes no limit.
const DefaultListLimit = 50

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000&_fk=1"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		session_data BLOB,
		session_metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner_updated ON sessions(owner_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sender_type TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		metadata TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		aux_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession creates a session for ownerID, defaulting the title.
func (s *SQLiteStore) CreateSession(ctx context.Context, ownerID, title string) (*domain.Session, error) {
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

	query := `INSERT INTO sessions (id, owner_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.OwnerID, session.Title, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// GetSession retrieves a session scoped to its owner. A session owned by
// someone else scans the same as a missing one.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID, ownerID string) (*domain.Session, error) {
	query := `SELECT id, owner_id, title, created_at, updated_at FROM sessions WHERE id = ? AND owner_id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID, ownerID)

	var session domain.Session
	var createdAt, updatedAt int64
	err := row.Scan(&session.ID, &session.OwnerID, &session.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

// ListSessions returns the owner's sessions newest-updated first, with
// message counts computed in the same query.
func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string, limit, offset int) ([]*domain.SessionSummary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT s.id, s.title, COUNT(m.id), s.created_at, s.updated_at
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		WHERE s.owner_id = ?
		GROUP BY s.id
		ORDER BY s.updated_at DESC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.SessionSummary
	for rows.Next() {
		var sum domain.SessionSummary
		var createdAt, updatedAt int64
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.MessageCount, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum.CreatedAt = time.Unix(createdAt, 0)
		sum.UpdatedAt = time.Unix(updatedAt, 0)
		sessions = append(sessions, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session and all its messages in one transaction.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID, ownerID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND owner_id = ?`, sessionID, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	// Cascade explicitly; the FK pragma is per-connection and must not be
	// load-bearing for deletes.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return false, fmt.Errorf("delete session messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

// UpdateTitle sets the session title and bumps updated_at.
func (s *SQLiteStore) UpdateTitle(ctx context.Context, sessionID, ownerID, title string) (bool, error) {
	query := `UPDATE sessions SET title = ?, updated_at = ? WHERE id = ? AND owner_id = ?`
	res, err := s.db.ExecContext(ctx, query, title, time.Now().Unix(), sessionID, ownerID)
	if err != nil {
		return false, fmt.Errorf("update title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return affected > 0, nil
}

// AppendMessage inserts a message under the ownership check, bumps the
// session's updated_at, and applies the derived title when the session is
// still on the default placeholder. All of it happens in one transaction.
// Retries with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID, ownerID string, msg *domain.Message, derivedTitle string) (*domain.Message, error) {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var stored *domain.Message
	var err error
	for i := 0; i < maxRetries; i++ {
		stored, err = s.appendMessageOnce(ctx, sessionID, ownerID, msg, derivedTitle)
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return stored, err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("AppendMessage hit SQLITE_BUSY, retrying",
				"session_id", sessionID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
		}
	}
	return nil, fmt.Errorf("append message after %d attempts: %w", maxRetries, err)
}

func (s *SQLiteStore) appendMessageOnce(ctx context.Context, sessionID, ownerID string, msg *domain.Message, derivedTitle string) (*domain.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentTitle string
	err = tx.QueryRowContext(ctx, `SELECT title FROM sessions WHERE id = ? AND owner_id = ?`, sessionID, ownerID).Scan(&currentTitle)
	if errors.Is(err, sql.ErrNoRows) {
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, sender_type, ciphertext, metadata, content_hash, aux_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.SessionID, string(stored.Sender), stored.Ciphertext,
		string(mdJSON), stored.ContentHash, auxJSON, stored.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	now := time.Now().Unix()
	if derivedTitle != "" && stored.Sender == domain.RoleUser && currentTitle == domain.DefaultSessionTitle {
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`, derivedTitle, now, sessionID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("bump session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return &stored, nil
}

// ListMessages returns the session's messages in insertion order, ciphertext
// and metadata intact.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID, ownerID string) ([]*domain.Message, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ? AND owner_id = ?`, sessionID, ownerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccessDenied
	}
	if err != nil {
		return nil, fmt.Errorf("check session ownership: %w", err)
	}

	// rowid breaks ties for appends landing in the same second.
	query := `
		SELECT id, session_id, sender_type, ciphertext, metadata, content_hash, aux_json, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var sender, mdJSON string
		var auxJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &sender, &msg.Ciphertext, &mdJSON, &msg.ContentHash, &auxJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if err := json.Unmarshal([]byte(mdJSON), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for message %s: %w", msg.ID, err)
		}
		msg.Sender = domain.SenderRole(sender)
		if auxJSON.Valid {
			msg.AuxData = []byte(auxJSON.String)
		}
		msg.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// SetSessionData stores the encrypted session-context blob and its metadata.
func (s *SQLiteStore) SetSessionData(ctx context.Context, sessionID, ownerID string, data *domain.SessionData) (bool, error) {
	mdJSON, err := json.Marshal(data.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal session metadata: %w", err)
	}

	query := `UPDATE sessions SET session_data = ?, session_metadata = ?, updated_at = ? WHERE id = ? AND owner_id = ?`
	res, err := s.db.ExecContext(ctx, query, data.Ciphertext, string(mdJSON), time.Now().Unix(), sessionID, ownerID)
	if err != nil {
		return false, fmt.Errorf("update session data: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetSessionData returns the encrypted session-context blob, if any.
func (s *SQLiteStore) GetSessionData(ctx context.Context, sessionID, ownerID string) (*domain.SessionData, error) {
	query := `SELECT session_data, session_metadata FROM sessions WHERE id = ? AND owner_id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID, ownerID)

	var blob []byte
	var mdJSON sql.NullString
	err := row.Scan(&blob, &mdJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session data: %w", err)
	}
	if len(blob) == 0 || !mdJSON.Valid {
		return nil, nil
	}

	var data domain.SessionData
	data.Ciphertext = blob
	if err := json.Unmarshal([]byte(mdJSON.String), &data.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal session metadata: %w", err)
	}
	return &data, nil
}
