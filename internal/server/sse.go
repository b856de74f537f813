package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opencode-ai/gatekeeper/internal/logging"
)

// SSEHeartbeatInterval is the interval for SSE heartbeats.
const SSEHeartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeData writes one SSE message carrying an already encoded payload.
func (s *sseWriter) writeData(eventType string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	// ResponseController reaches through middleware wrappers
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}
	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// eventScope is the subset of an encoded event used for filtering.
type eventScope struct {
	Type string `json:"type"`
	Data struct {
		ConversationID string `json:"conversationId"`
		Info           *struct {
			ConversationID string `json:"conversationId"`
		} `json:"info"`
		Permission *struct {
			ConversationID string `json:"conversationId"`
		} `json:"permission"`
	} `json:"data"`
}

func (e eventScope) conversationID() string {
	switch {
	case e.Data.ConversationID != "":
		return e.Data.ConversationID
	case e.Data.Info != nil:
		return e.Data.Info.ConversationID
	case e.Data.Permission != nil:
		return e.Data.Permission.ConversationID
	}
	return ""
}

// eventBelongsTo reports whether an encoded event concerns conversationID.
func eventBelongsTo(payload []byte, conversationID string) bool {
	var scope eventScope
	if err := json.Unmarshal(payload, &scope); err != nil {
		return false
	}
	return scope.conversationID() == conversationID
}

// events streams bus events as SSE. With ?conversationId= only that
// conversation's events are sent.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversationId")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	stream, err := s.bus.Stream(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	if err := sse.writeData("message", []byte(`{"type":"server.connected","data":{}}`)); err != nil {
		return
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-stream:
			if !ok {
				return
			}
			if conversationID != "" && !eventBelongsTo(payload, conversationID) {
				continue
			}
			if err := sse.writeData("message", payload); err != nil {
				logging.Debug().Err(err).Msg("sse client gone")
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
