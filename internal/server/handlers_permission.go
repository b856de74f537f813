package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/gatekeeper/internal/resume"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// RespondRequest is the body of POST /conversation/{id}/permission.
type RespondRequest struct {
	resume.PermissionResponse
	// Wait holds the request open until the resume it triggers finishes.
	Wait bool `json:"wait,omitempty"`
}

// RespondResponse reports what a decision did.
type RespondResponse struct {
	// UpdatedCount is the number of permission blocks the decision resolved.
	UpdatedCount int `json:"updatedCount"`
	// Running is true while the triggered resume is still in progress.
	Running bool                 `json:"running"`
	Result  *resume.ResumeResult `json:"result,omitempty"`
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	if _, err := s.sessions.Get(r.Context(), convID); err != nil {
		writeErrorFrom(w, err)
		return
	}
	pending := s.resume.Pending(convID)
	if pending == nil {
		pending = []types.PendingPermission{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	req.ConversationID = chi.URLParam(r, "conversationID")
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	ticket, err := s.resume.Respond(r.Context(), req.PermissionResponse)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	resp := RespondResponse{}
	if ticket.Evaluation != nil {
		resp.UpdatedCount = ticket.Evaluation.UpdatedCount
	}

	if req.Wait {
		res, err := ticket.Wait(r.Context())
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		resp.Result = res
		writeJSON(w, http.StatusOK, resp)
		return
	}

	select {
	case <-ticket.Done():
		res, err := ticket.Wait(r.Context())
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		resp.Result = res
		writeJSON(w, http.StatusOK, resp)
	default:
		resp.Running = true
		writeJSON(w, http.StatusAccepted, resp)
	}
}
