package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mkravets/cipherchat/internal/crypto"
	"github.com/mkravets/cipherchat/internal/domain"
	"github.com/mkravets/cipherchat/internal/rag"
	"github.com/qmuntal/stateless"
)

// Turn states. One state machine instance is built per chat turn; terminal
// states are Returned and Failed.
type turnState stateless.State

var (
	stateReceived            turnState = "Received"
	stateUserTurnStored      turnState = "UserTurnStored"
	stateContextBuilt        turnState = "ContextBuilt"
	stateGenerationAttempted turnState = "GenerationAttempted"
	stateBotTurnStored       turnState = "BotTurnStored"
	stateReturned            turnState = "Returned"
	stateFailed              turnState = "Failed"
)

type turnTrigger stateless.Trigger

var (
	triggerBegin          turnTrigger = "Begin"
	triggerUserTurnStored turnTrigger = "UserTurnStored"
	triggerContextReady   turnTrigger = "ContextReady"
	triggerGenerationDone turnTrigger = "GenerationDone"
	triggerBotTurnStored  turnTrigger = "BotTurnStored"
	triggerCompleted      turnTrigger = "Completed"
	triggerErrorOccurred  turnTrigger = "ErrorOccurred"
)

// turn carries the per-request state threaded through the machine. Plaintext
// lives here and nowhere else; it is dropped when the turn ends.
type turn struct {
	svc     *Service
	ownerID string
	req     TurnRequest

	session       *domain.Session
	userPlaintext string
	history       []rag.HistoryEntry
	answer        string
	sources       []string
	fellBack      bool

	resp TurnResponse
	err  error
}

// run drives the turn machine to a terminal state and returns the response
// or the first error encountered.
func (t *turn) run(ctx context.Context) (TurnResponse, error) {
	fsm := stateless.NewStateMachine(stateReceived)

	fail := func(ctx context.Context, err error) error {
		t.err = err
		return fsm.FireCtx(ctx, triggerErrorOccurred)
	}

	fsm.Configure(stateReceived).
		PermitReentry(triggerBegin).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if err := t.storeUserTurn(ctx); err != nil {
				return fail(ctx, err)
			}
			return fsm.FireCtx(ctx, triggerUserTurnStored)
		}).
		Permit(triggerUserTurnStored, stateUserTurnStored).
		Permit(triggerErrorOccurred, stateFailed)

	fsm.Configure(stateUserTurnStored).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if err := t.buildContext(ctx); err != nil {
				return fail(ctx, err)
			}
			return fsm.FireCtx(ctx, triggerContextReady)
		}).
		Permit(triggerContextReady, stateContextBuilt).
		Permit(triggerErrorOccurred, stateFailed)

	fsm.Configure(stateContextBuilt).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if err := t.generate(ctx); err != nil {
				return fail(ctx, err)
			}
			return fsm.FireCtx(ctx, triggerGenerationDone)
		}).
		Permit(triggerGenerationDone, stateGenerationAttempted).
		Permit(triggerErrorOccurred, stateFailed)

	fsm.Configure(stateGenerationAttempted).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if err := t.storeBotTurn(ctx); err != nil {
				return fail(ctx, err)
			}
			return fsm.FireCtx(ctx, triggerBotTurnStored)
		}).
		Permit(triggerBotTurnStored, stateBotTurnStored).
		Permit(triggerErrorOccurred, stateFailed)

	fsm.Configure(stateBotTurnStored).
		OnEntry(func(ctx context.Context, _ ...any) error {
			t.assembleResponse()
			return fsm.FireCtx(ctx, triggerCompleted)
		}).
		Permit(triggerCompleted, stateReturned).
		Permit(triggerErrorOccurred, stateFailed)

	fsm.Configure(stateReturned)
	fsm.Configure(stateFailed)

	if err := fsm.FireCtx(ctx, triggerBegin); err != nil {
		return TurnResponse{}, fmt.Errorf("turn state machine: %w", err)
	}
	if t.err != nil {
		return TurnResponse{}, t.err
	}
	return t.resp, nil
}

// storeUserTurn verifies the inbound hash, decrypts the user turn once for
// titling and the generation query, resolves or creates the session, and
// persists the ciphertext exactly as received.
func (t *turn) storeUserTurn(ctx context.Context) error {
	if len(t.req.Ciphertext) == 0 {
		return fmt.Errorf("%w: empty encrypted message", domain.ErrValidation)
	}
	if !crypto.VerifyHash(t.req.Ciphertext, t.req.ContentHash) {
		return fmt.Errorf("inbound message: %w", domain.ErrIntegrity)
	}

	plaintext, err := t.svc.codec.Decrypt(t.req.Ciphertext, t.req.Metadata)
	if err != nil {
		t.svc.countDecryptFailure()
		return fmt.Errorf("decrypt inbound message: %w", err)
	}
	t.userPlaintext = plaintext

	if t.req.SessionID == "" {
		session, err := t.svc.repo.CreateSession(ctx, t.ownerID, "")
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		t.session = session
	} else {
		session, err := t.svc.repo.GetSession(ctx, t.req.SessionID, t.ownerID)
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		if session == nil {
			return domain.ErrAccessDenied
		}
		t.session = session
	}

	msg := &domain.Message{
		Sender:      domain.RoleUser,
		Ciphertext:  t.req.Ciphertext,
		Metadata:    t.req.Metadata,
		ContentHash: t.req.ContentHash,
	}
	if _, err := t.svc.repo.AppendMessage(ctx, t.session.ID, t.ownerID, msg, deriveTitle(plaintext)); err != nil {
		return fmt.Errorf("store user turn: %w", err)
	}
	return nil
}

// buildContext reconstructs the plaintext transcript in insertion order,
// decrypting each message with its own metadata. A message that fails to
// decrypt aborts the whole turn; partial context is never assembled.
func (t *turn) buildContext(ctx context.Context) error {
	messages, err := t.svc.repo.ListMessages(ctx, t.session.ID, t.ownerID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	history := make([]rag.HistoryEntry, 0, len(messages))
	for _, msg := range messages {
		if msg.Metadata.Algorithm == "" {
			continue
		}
		plaintext, err := t.svc.codec.Decrypt(msg.Ciphertext, msg.Metadata)
		if err != nil {
			t.svc.countDecryptFailure()
			return fmt.Errorf("decrypt message %s: %w", msg.ID, err)
		}
		history = append(history, rag.HistoryEntry{
			Role:    string(msg.Sender),
			Content: plaintext,
		})
	}
	t.history = history
	return nil
}

// generate calls the generation backend, substituting the fallback answer on
// any upstream failure. Caller cancellation is the one failure that is not
// absorbed: the turn aborts instead of producing a canned reply.
func (t *turn) generate(ctx context.Context) error {
	genCtx, cancel := context.WithTimeout(ctx, t.svc.genTimeout)
	defer cancel()

	answer, sources, err := t.svc.gen.Generate(genCtx, t.userPlaintext, t.history, t.svc.maxTokens)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("generation canceled: %w", ctx.Err())
		}
		slog.Warn("generation backend unavailable, using fallback reply",
			"session_id", t.session.ID, "error", err)
		t.answer = FallbackAnswer
		t.sources = nil
		t.fellBack = true
		t.svc.countFallback()
		return nil
	}
	t.answer = answer
	t.sources = sources
	return nil
}

// storeBotTurn re-encrypts the chosen reply under the caller's key id with a
// fresh nonce, hashes it, and persists it as the bot turn.
func (t *turn) storeBotTurn(ctx context.Context) error {
	ciphertext, metadata, err := t.svc.codec.Encrypt(t.answer, t.req.Metadata)
	if err != nil {
		return fmt.Errorf("encrypt reply: %w", err)
	}
	hash := crypto.ComputeHash(ciphertext)

	var aux []byte
	if len(t.sources) > 0 {
		aux, err = json.Marshal(map[string][]string{"sources": t.sources})
		if err != nil {
			return fmt.Errorf("marshal sources: %w", err)
		}
	}

	msg := &domain.Message{
		Sender:      domain.RoleBot,
		Ciphertext:  ciphertext,
		Metadata:    metadata,
		ContentHash: hash,
		AuxData:     aux,
	}
	if _, err := t.svc.repo.AppendMessage(ctx, t.session.ID, t.ownerID, msg, ""); err != nil {
		return fmt.Errorf("store bot turn: %w", err)
	}

	t.resp = TurnResponse{
		SessionID:   t.session.ID,
		Ciphertext:  ciphertext,
		Metadata:    metadata,
		ContentHash: hash,
	}
	return nil
}

// assembleResponse finalizes the caller-visible payload. Sources are always
// present in the response, empty on the fallback path.
func (t *turn) assembleResponse() {
	if t.sources == nil {
		t.resp.Sources = []string{}
		return
	}
	t.resp.Sources = t.sources
}

// outcome labels the finished turn for metrics.
func (t *turn) outcome() string {
	switch {
	case t.err != nil && errors.Is(t.err, domain.ErrAccessDenied):
		return "denied"
	case t.err != nil:
		return "error"
	case t.fellBack:
		return "fallback"
	default:
		return "ok"
	}
}
