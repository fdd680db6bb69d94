package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mkravets/cipherchat/internal/crypto"
	"github.com/mkravets/cipherchat/internal/domain"
	"github.com/mkravets/cipherchat/internal/rag"
)

const testKeyID = "client_app_key"

// fakeRepo is an in-memory store.Repository for pipeline tests.
type fakeRepo struct {
	sessions map[string]*domain.Session
	messages map[string][]*domain.Message
	data     map[string]*domain.SessionData
	nextID   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions: make(map[string]*domain.Session),
		messages: make(map[string][]*domain.Message),
		data:     make(map[string]*domain.SessionData),
	}
}

func (f *fakeRepo) id() string {
	f.nextID++
	return fmt.Sprintf("id-%d", f.nextID)
}

func (f *fakeRepo) CreateSession(_ context.Context, ownerID, title string) (*domain.Session, error) {
	if title == "" {
		title = domain.DefaultSessionTitle
	}
	now := time.Now().UTC()
	s := &domain.Session{ID: f.id(), OwnerID: ownerID, Title: title, CreatedAt: now, UpdatedAt: now}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeRepo) GetSession(_ context.Context, sessionID, ownerID string) (*domain.Session, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return nil, nil
	}
	return s, nil
}

func (f *fakeRepo) ListSessions(_ context.Context, ownerID string, _, _ int) ([]*domain.SessionSummary, error) {
	var out []*domain.SessionSummary
	for _, s := range f.sessions {
		if s.OwnerID != ownerID {
			continue
		}
		out = append(out, &domain.SessionSummary{
			ID: s.ID, Title: s.Title, MessageCount: len(f.messages[s.ID]),
			CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
		})
	}
	return out, nil
}

func (f *fakeRepo) DeleteSession(_ context.Context, sessionID, ownerID string) (bool, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return false, nil
	}
	delete(f.sessions, sessionID)
	delete(f.messages, sessionID)
	return true, nil
}

func (f *fakeRepo) UpdateTitle(_ context.Context, sessionID, ownerID, title string) (bool, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return false, nil
	}
	s.Title = title
	return true, nil
}

func (f *fakeRepo) AppendMessage(_ context.Context, sessionID, ownerID string, msg *domain.Message, derivedTitle string) (*domain.Message, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return nil, domain.ErrAccessDenied
	}
	stored := *msg
	stored.ID = f.id()
	stored.SessionID = sessionID
	stored.CreatedAt = time.Now().UTC()
	f.messages[sessionID] = append(f.messages[sessionID], &stored)
	if derivedTitle != "" && stored.Sender == domain.RoleUser && s.Title == domain.DefaultSessionTitle {
		s.Title = derivedTitle
	}
	s.UpdatedAt = stored.CreatedAt
	return &stored, nil
}

func (f *fakeRepo) ListMessages(_ context.Context, sessionID, ownerID string) ([]*domain.Message, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return nil, domain.ErrAccessDenied
	}
	return f.messages[sessionID], nil
}

func (f *fakeRepo) SetSessionData(_ context.Context, sessionID, ownerID string, data *domain.SessionData) (bool, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return false, nil
	}
	f.data[sessionID] = data
	return true, nil
}

func (f *fakeRepo) GetSessionData(_ context.Context, sessionID, ownerID string) (*domain.SessionData, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.OwnerID != ownerID {
		return nil, nil
	}
	return f.data[sessionID], nil
}

func (f *fakeRepo) Ping(context.Context) error { return nil }
func (f *fakeRepo) Close() error               { return nil }

// fakeGenerator records what it was asked and returns canned output.
type fakeGenerator struct {
	answer  string
	sources []string
	err     error

	gotQuery   string
	gotHistory []rag.HistoryEntry
	calls      int
}

func (g *fakeGenerator) Generate(ctx context.Context, query string, history []rag.HistoryEntry, _ int) (string, []string, error) {
	g.calls++
	g.gotQuery = query
	g.gotHistory = history
	if ctx.Err() != nil {
		return "", nil, ctx.Err()
	}
	if g.err != nil {
		return "", nil, g.err
	}
	return g.answer, g.sources, nil
}

func testCodec(t *testing.T) *crypto.Codec {
	t.Helper()
	key := base64.StdEncoding.EncodeToString([]byte("placeholder_key_32_bytes_long_fo"))
	provider, err := crypto.NewStaticProvider(testKeyID, key)
	if err != nil {
		t.Fatalf("NewStaticProvider: %v", err)
	}
	return crypto.NewCodec(provider)
}

func newTestService(t *testing.T, repo *fakeRepo, gen Generator) *Service {
	t.Helper()
	return NewService(repo, testCodec(t), gen, nil, 512, 5*time.Second)
}

// encryptTurn builds a valid inbound turn request for plaintext.
func encryptTurn(t *testing.T, codec *crypto.Codec, sessionID, plaintext string) TurnRequest {
	t.Helper()
	ciphertext, md, err := codec.Encrypt(plaintext, domain.EncryptionMetadata{KeyID: testKeyID})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return TurnRequest{
		SessionID:   sessionID,
		Ciphertext:  ciphertext,
		Metadata:    md,
		ContentHash: crypto.ComputeHash(ciphertext),
	}
}

func TestChatCreatesSessionAndStoresBothTurns(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{answer: "GCM authenticates every block.", sources: []string{"crypto-handbook.pdf"}}
	svc := newTestService(t, repo, gen)
	codec := testCodec(t)

	req := encryptTurn(t, codec, "", "How does GCM authentication work?")
	resp, err := svc.Chat(context.Background(), "owner-1", req)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.SessionID == "" {
		t.Fatal("response has no session id")
	}
	session := repo.sessions[resp.SessionID]
	if session == nil {
		t.Fatal("session was not created")
	}
	if session.Title != "How does GCM authentication work?" {
		t.Errorf("derived title = %q", session.Title)
	}

	stored := repo.messages[resp.SessionID]
	if len(stored) != 2 {
		t.Fatalf("stored %d messages, want 2", len(stored))
	}
	if stored[0].Sender != domain.RoleUser || stored[1].Sender != domain.RoleBot {
		t.Errorf("stored senders = %q, %q", stored[0].Sender, stored[1].Sender)
	}

	// The reply decrypts to the generator's answer under its own metadata.
	plaintext, err := codec.Decrypt(resp.Ciphertext, resp.Metadata)
	if err != nil {
		t.Fatalf("Decrypt reply: %v", err)
	}
	if plaintext != gen.answer {
		t.Errorf("reply = %q, want %q", plaintext, gen.answer)
	}
	if !crypto.VerifyHash(resp.Ciphertext, resp.ContentHash) {
		t.Error("reply content hash does not verify")
	}
	if len(resp.Sources) != 1 || resp.Sources[0] != "crypto-handbook.pdf" {
		t.Errorf("sources = %v", resp.Sources)
	}
}

func TestChatPassesDecryptedHistoryToGenerator(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{answer: "first answer"}
	svc := newTestService(t, repo, gen)
	codec := testCodec(t)

	resp, err := svc.Chat(context.Background(), "owner-1", encryptTurn(t, codec, "", "first question"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	gen.answer = "second answer"
	if _, err := svc.Chat(context.Background(), "owner-1", encryptTurn(t, codec, resp.SessionID, "second question")); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if gen.gotQuery != "second question" {
		t.Errorf("query = %q", gen.gotQuery)
	}
	want := []rag.HistoryEntry{
		{Role: "user", Content: "first question"},
		{Role: "bot", Content: "first answer"},
		{Role: "user", Content: "second question"},
	}
	if len(gen.gotHistory) != len(want) {
		t.Fatalf("history length = %d, want %d", len(gen.gotHistory), len(want))
	}
	for i := range want {
		if gen.gotHistory[i] != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, gen.gotHistory[i], want[i])
		}
	}
}

func TestChatFallsBackWhenGeneratorFails(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{err: domain.ErrUpstreamUnavailable}
	svc := newTestService(t, repo, gen)
	codec := testCodec(t)

	resp, err := svc.Chat(context.Background(), "owner-1", encryptTurn(t, codec, "", "anyone there?"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	plaintext, err := codec.Decrypt(resp.Ciphertext, resp.Metadata)
	if err != nil {
		t.Fatalf("Decrypt reply: %v", err)
	}
	if plaintext != FallbackAnswer {
		t.Errorf("reply = %q, want fallback answer", plaintext)
	}
	if resp.Sources == nil || len(resp.Sources) != 0 {
		t.Errorf("fallback sources = %v, want empty slice", resp.Sources)
	}
	if !crypto.VerifyHash(resp.Ciphertext, resp.ContentHash) {
		t.Error("fallback reply hash does not verify")
	}

	// The fallback turn is persisted like any other.
	stored := repo.messages[resp.SessionID]
	if len(stored) != 2 {
		t.Fatalf("stored %d messages, want 2", len(stored))
	}
	if stored[1].Sender != domain.RoleBot {
		t.Errorf("second stored sender = %q", stored[1].Sender)
	}
	if len(stored[1].AuxData) != 0 {
		t.Errorf("fallback turn has aux data %q", stored[1].AuxData)
	}
}

func TestChatCanceledContextIsNotAbsorbed(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{answer: "never used"}
	svc := newTestService(t, repo, gen)
	codec := testCodec(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Chat(ctx, "owner-1", encryptTurn(t, codec, "", "canceled"))
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestChatRejectsForeignSession(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{answer: "nope"}
	svc := newTestService(t, repo, gen)
	codec := testCodec(t)

	resp, err := svc.Chat(context.Background(), "owner-1", encryptTurn(t, codec, "", "mine"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	before := len(repo.messages[resp.SessionID])

	_, err = svc.Chat(context.Background(), "owner-2", encryptTurn(t, codec, resp.SessionID, "theirs"))
	if !errors.Is(err, domain.ErrAccessDenied) {
		t.Errorf("error = %v, want ErrAccessDenied", err)
	}
	if got := len(repo.messages[resp.SessionID]); got != before {
		t.Errorf("message count changed from %d to %d", before, got)
	}
}

func TestChatRejectsBadInput(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{answer: "unused"}
	svc := newTestService(t, repo, gen)
	codec := testCodec(t)

	t.Run("empty ciphertext", func(t *testing.T) {
		req := encryptTurn(t, codec, "", "x")
		req.Ciphertext = nil
		_, err := svc.Chat(context.Background(), "owner-1", req)
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("error = %v, want ErrValidation", err)
		}
	})

	t.Run("hash mismatch", func(t *testing.T) {
		req := encryptTurn(t, codec, "", "x")
		req.ContentHash = crypto.ComputeHash([]byte("different"))
		_, err := svc.Chat(context.Background(), "owner-1", req)
		if !errors.Is(err, domain.ErrIntegrity) {
			t.Errorf("error = %v, want ErrIntegrity", err)
		}
	})

	t.Run("undecryptable message", func(t *testing.T) {
		req := encryptTurn(t, codec, "", "x")
		req.Ciphertext[0] ^= 0x01
		req.ContentHash = crypto.ComputeHash(req.Ciphertext)
		_, err := svc.Chat(context.Background(), "owner-1", req)
		if !errors.Is(err, domain.ErrDecryption) {
			t.Errorf("error = %v, want ErrDecryption", err)
		}
	})

	if gen.calls != 0 {
		t.Errorf("generator was called %d times for rejected input", gen.calls)
	}
}

func TestChatTitleTruncation(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{answer: "ok"}
	svc := newTestService(t, repo, gen)
	codec := testCodec(t)

	long := strings.Repeat("в", 80)
	resp, err := svc.Chat(context.Background(), "owner-1", encryptTurn(t, codec, "", long))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	want := strings.Repeat("в", 50) + "..."
	if got := repo.sessions[resp.SessionID].Title; got != want {
		t.Errorf("title = %q, want %q", got, want)
	}
}

func TestHistoryVerifiesStoredHashes(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGenerator{answer: "fine"}
	svc := newTestService(t, repo, gen)
	codec := testCodec(t)

	resp, err := svc.Chat(context.Background(), "owner-1", encryptTurn(t, codec, "", "hello"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	history, err := svc.History(context.Background(), "owner-1", resp.SessionID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}

	// Tampering with a stored ciphertext surfaces as an integrity error.
	repo.messages[resp.SessionID][0].Ciphertext[0] ^= 0x01
	if _, err := svc.History(context.Background(), "owner-1", resp.SessionID); !errors.Is(err, domain.ErrIntegrity) {
		t.Errorf("error = %v, want ErrIntegrity", err)
	}
}

func TestRenameSession(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo, &fakeGenerator{})

	session, err := svc.CreateSession(context.Background(), "owner-1", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := svc.RenameSession(context.Background(), "owner-1", session.ID, ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("empty title error = %v, want ErrValidation", err)
	}
	if err := svc.RenameSession(context.Background(), "owner-2", session.ID, "stolen"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Errorf("foreign rename error = %v, want ErrAccessDenied", err)
	}
	if err := svc.RenameSession(context.Background(), "owner-1", session.ID, "renamed"); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}
	if repo.sessions[session.ID].Title != "renamed" {
		t.Errorf("title = %q", repo.sessions[session.ID].Title)
	}
}

func TestSessionData(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo, &fakeGenerator{})

	session, err := svc.CreateSession(context.Background(), "owner-1", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	bad := &domain.SessionData{
		Ciphertext: []byte("blob"),
		Metadata:   domain.EncryptionMetadata{Algorithm: "ROT13"},
	}
	if err := svc.SetSessionData(context.Background(), "owner-1", session.ID, bad); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("bad algorithm error = %v, want ErrValidation", err)
	}

	good := &domain.SessionData{
		Ciphertext: []byte("blob"),
		Metadata:   domain.EncryptionMetadata{Algorithm: domain.AlgorithmAESGCM, KeyID: testKeyID, IV: "aXYxMjM0NTY3ODkwMTI="},
	}
	if err := svc.SetSessionData(context.Background(), "owner-1", session.ID, good); err != nil {
		t.Fatalf("SetSessionData: %v", err)
	}

	got, err := svc.GetSessionData(context.Background(), "owner-1", session.ID)
	if err != nil {
		t.Fatalf("GetSessionData: %v", err)
	}
	if string(got.Ciphertext) != "blob" {
		t.Errorf("ciphertext = %q", got.Ciphertext)
	}

	if _, err := svc.GetSessionData(context.Background(), "owner-2", session.ID); !errors.Is(err, domain.ErrAccessDenied) {
		t.Errorf("foreign read error = %v, want ErrAccessDenied", err)
	}
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "Hello there", "Hello there"},
		{"whitespace only", "   \n\t", ""},
		{"trimmed", "  question  ", "question"},
		{"exactly max", strings.Repeat("a", 50), strings.Repeat("a", 50)},
		{"truncated", strings.Repeat("a", 51), strings.Repeat("a", 50) + "..."},
		{"multibyte runes", strings.Repeat("я", 60), strings.Repeat("я", 50) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveTitle(tt.in); got != tt.want {
				t.Errorf("deriveTitle(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
