package event

import "github.com/opencode-ai/gatekeeper/pkg/types"

// EventType names a notification.
type EventType string

const (
	PermissionRequired EventType = "permission.required"
	PermissionUpdated  EventType = "permission.updated"
	MessageUpdated     EventType = "message.updated"
	BlockUpdated       EventType = "message.block.updated"
	ConversationStatus EventType = "conversation.status"
	ConversationError  EventType = "conversation.error"
)

// PermissionRequiredData announces a newly discovered approval request.
type PermissionRequiredData struct {
	Permission types.PendingPermission `json:"permission"`
}

// PermissionUpdatedData tells the frontend to refresh its pending queue.
type PermissionUpdatedData struct {
	ConversationID string                   `json:"conversationId"`
	MessageID      string                   `json:"messageId"`
	PendingCount   int                      `json:"pendingCount"`
	Next           *types.PendingPermission `json:"next,omitempty"`
}

// MessageUpdatedData carries a full message snapshot.
type MessageUpdatedData struct {
	Info *types.Message `json:"info"`
}

// BlockUpdatedData carries one changed block and an optional streaming delta.
type BlockUpdatedData struct {
	ConversationID string      `json:"conversationId"`
	MessageID      string      `json:"messageId"`
	Block          types.Block `json:"block"`
	Delta          string      `json:"delta,omitempty"`
}

// ConversationStatusData reports a conversation status transition.
type ConversationStatusData struct {
	ConversationID string                   `json:"conversationId"`
	Status         types.ConversationStatus `json:"status"`
}

// ConversationErrorData reports a failed turn.
type ConversationErrorData struct {
	ConversationID string                `json:"conversationId"`
	MessageID      string                `json:"messageId,omitempty"`
	Error          *types.MessageFailure `json:"error"`
}
