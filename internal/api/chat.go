package api

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mkravets/cipherchat/internal/chat"
	"github.com/mkravets/cipherchat/internal/domain"
	"github.com/mkravets/cipherchat/internal/identity"
)

// ChatHandler serves the chat turn and session management endpoints.
type ChatHandler struct {
	svc *chat.Service
}

// NewChatHandler creates the handler around the message pipeline.
func NewChatHandler(svc *chat.Service) *ChatHandler {
	return &ChatHandler{svc: svc}
}

// RegisterRoutes mounts the chat API under /api.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.handleChat)
		r.Get("/sessions", h.handleListSessions)
		r.Post("/sessions", h.handleCreateSession)
		r.Delete("/sessions/{sessionID}", h.handleDeleteSession)
		r.Get("/sessions/{sessionID}/history", h.handleHistory)
		r.Put("/sessions/{sessionID}/title", h.handleUpdateTitle)
		r.Put("/sessions/{sessionID}/data", h.handleSetSessionData)
		r.Get("/sessions/{sessionID}/data", h.handleGetSessionData)
	})
}

// Wire shapes. Binary fields travel base64-encoded; hashes travel hex.

type metadataPayload struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
	IV        string `json:"iv"`
	CreatedAt string `json:"created_at"`
}

func (p metadataPayload) toDomain() domain.EncryptionMetadata {
	return domain.EncryptionMetadata{
		Algorithm: p.Algorithm,
		KeyID:     p.KeyID,
		IV:        p.IV,
		CreatedAt: p.CreatedAt,
	}
}

func metadataFromDomain(md domain.EncryptionMetadata) metadataPayload {
	return metadataPayload{
		Algorithm: md.Algorithm,
		KeyID:     md.KeyID,
		IV:        md.IV,
		CreatedAt: md.CreatedAt,
	}
}

type chatTurnRequest struct {
	EncryptedMessage   string          `json:"encrypted_message"`
	EncryptionMetadata metadataPayload `json:"encryption_metadata"`
	ContentHash        string          `json:"content_hash"`
	SessionID          string          `json:"session_id,omitempty"`
}

type chatTurnResponse struct {
	SessionID          string          `json:"session_id"`
	EncryptedResponse  string          `json:"encrypted_response"`
	EncryptionMetadata metadataPayload `json:"encryption_metadata"`
	ContentHash        string          `json:"content_hash"`
	Sources            []string        `json:"sources"`
}

type historyMessage struct {
	ID                 string          `json:"id"`
	SenderType         string          `json:"sender_type"`
	EncryptedContent   string          `json:"encrypted_content"`
	EncryptionMetadata metadataPayload `json:"encryption_metadata"`
	ContentHash        string          `json:"content_hash"`
	MessageData        json.RawMessage `json:"message_data,omitempty"`
	CreatedAt          string          `json:"created_at"`
}

func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())

	var req chatTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	turnReq, err := decodeTurnRequest(req)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	resp, err := h.svc.Chat(r.Context(), ownerID, turnReq)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	JSON(w, http.StatusOK, chatTurnResponse{
		SessionID:          resp.SessionID,
		EncryptedResponse:  base64.StdEncoding.EncodeToString(resp.Ciphertext),
		EncryptionMetadata: metadataFromDomain(resp.Metadata),
		ContentHash:        resp.ContentHash,
		Sources:            resp.Sources,
	})
}

func decodeTurnRequest(req chatTurnRequest) (chat.TurnRequest, error) {
	var out chat.TurnRequest

	ciphertext, err := base64.StdEncoding.DecodeString(req.EncryptedMessage)
	if err != nil {
		return out, fmt.Errorf("%w: encrypted_message is not valid base64", domain.ErrValidation)
	}
	if _, err := hex.DecodeString(req.ContentHash); err != nil || req.ContentHash == "" {
		return out, fmt.Errorf("%w: content_hash is not valid hex", domain.ErrValidation)
	}
	if req.SessionID != "" {
		if _, err := uuid.Parse(req.SessionID); err != nil {
			return out, fmt.Errorf("%w: session_id is not a valid identifier", domain.ErrValidation)
		}
	}

	out = chat.TurnRequest{
		SessionID:   req.SessionID,
		Ciphertext:  ciphertext,
		Metadata:    req.EncryptionMetadata.toDomain(),
		ContentHash: req.ContentHash,
	}
	return out, nil
}

func (h *ChatHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	sessions, err := h.svc.ListSessions(r.Context(), ownerID, limit, offset)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.SessionSummary{}
	}
	JSON(w, http.StatusOK, sessions)
}

func (h *ChatHandler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())

	var req struct {
		Title string `json:"title"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	session, err := h.svc.CreateSession(r.Context(), ownerID, req.Title)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusCreated, session)
}

func (h *ChatHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	sessionID, err := sessionIDParam(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	messages, err := h.svc.History(r.Context(), ownerID, sessionID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	out := make([]historyMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, historyMessage{
			ID:                 msg.ID,
			SenderType:         string(msg.Sender),
			EncryptedContent:   base64.StdEncoding.EncodeToString(msg.Ciphertext),
			EncryptionMetadata: metadataFromDomain(msg.Metadata),
			ContentHash:        msg.ContentHash,
			MessageData:        json.RawMessage(msg.AuxData),
			CreatedAt:          msg.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   out,
	})
}

func (h *ChatHandler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	sessionID, err := sessionIDParam(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	if err := h.svc.DeleteSession(r.Context(), ownerID, sessionID); err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *ChatHandler) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	sessionID, err := sessionIDParam(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.svc.RenameSession(r.Context(), ownerID, sessionID, req.Title); err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *ChatHandler) handleSetSessionData(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	sessionID, err := sessionIDParam(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	var req struct {
		EncryptedData      string          `json:"encrypted_data"`
		EncryptionMetadata metadataPayload `json:"encryption_metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	blob, err := base64.StdEncoding.DecodeString(req.EncryptedData)
	if err != nil || len(blob) == 0 {
		Error(w, http.StatusBadRequest, "encrypted_data is not valid base64")
		return
	}

	data := &domain.SessionData{
		Ciphertext: blob,
		Metadata:   req.EncryptionMetadata.toDomain(),
	}
	if err := h.svc.SetSessionData(r.Context(), ownerID, sessionID, data); err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (h *ChatHandler) handleGetSessionData(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	sessionID, err := sessionIDParam(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	data, err := h.svc.GetSessionData(r.Context(), ownerID, sessionID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"encrypted_data":      base64.StdEncoding.EncodeToString(data.Ciphertext),
		"encryption_metadata": metadataFromDomain(data.Metadata),
	})
}

func sessionIDParam(r *http.Request) (string, error) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", fmt.Errorf("%w: session id is not a valid identifier", domain.ErrValidation)
	}
	return sessionID, nil
}
