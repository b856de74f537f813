package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/gatekeeper/internal/provider"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// CreateConversationRequest is the body of POST /conversation.
type CreateConversationRequest struct {
	Title  string `json:"title,omitempty"`
	Model  string `json:"model,omitempty"` // "provider/model"
	System string `json:"system,omitempty"`
}

// PromptRequest is the body of POST /conversation/{id}/message.
type PromptRequest struct {
	Text string `json:"text"`
}

// RecoverRequest is the body of POST /conversation/{id}/recover.
type RecoverRequest struct {
	MessageID string `json:"messageId"`
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.sessions.List(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if convs == nil {
		convs = []*types.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}
	}

	providerID, modelID := provider.ParseModelString(req.Model)
	conv, err := s.sessions.CreateConversation(r.Context(), req.Title, providerID, modelID, req.System)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.sessions.Get(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.sessions.Messages(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	msg, err := s.sessions.Store().GetMessage(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if msg.ConversationID != convID {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "message not found in conversation")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// prompt starts a new turn and returns the assistant message being generated.
func (s *Server) prompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text is required")
		return
	}

	msg, err := s.sessions.Prompt(r.Context(), chi.URLParam(r, "conversationID"), req.Text)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (s *Server) abortConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Abort(chi.URLParam(r, "conversationID")); err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeSuccess(w)
}

// recoverMessage re-drives a message left with resolved but unexecuted tool
// calls.
func (s *Server) recoverMessage(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if err := decodeJSON(r, &req); err != nil || req.MessageID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "messageId is required")
		return
	}
	res, err := s.resume.Recover(r.Context(), chi.URLParam(r, "conversationID"), req.MessageID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) mcpStatus(w http.ResponseWriter, r *http.Request) {
	if s.mcp == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.mcp.Status())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
