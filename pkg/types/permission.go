package types

import "encoding/json"

// PermissionType is the scope of access a permission block asks for.
type PermissionType string

const (
	PermissionRead    PermissionType = "read"
	PermissionWrite   PermissionType = "write"
	PermissionAll     PermissionType = "all"
	PermissionCommand PermissionType = "command"
)

// Valid reports whether t is one of the known permission types.
func (t PermissionType) Valid() bool {
	switch t {
	case PermissionRead, PermissionWrite, PermissionAll, PermissionCommand:
		return true
	}
	return false
}

// PermissionStatus is the decision state of a permission block.
type PermissionStatus string

const (
	PermissionPending PermissionStatus = "pending"
	PermissionGranted PermissionStatus = "granted"
	PermissionDenied  PermissionStatus = "denied"
)

// PendingPermission is a queued request awaiting a human decision.
type PendingPermission struct {
	ConversationID string          `json:"conversationId"`
	MessageID      string          `json:"messageId"`
	ToolCallID     string          `json:"toolCallId"`
	ToolName       string          `json:"toolName,omitempty"`
	ServerName     string          `json:"serverName,omitempty"`
	PermissionType PermissionType  `json:"permissionType"`
	Description    string          `json:"description,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Created        int64           `json:"created"`
}

// PermissionRequest is what a tool returns when it discovers it needs approval.
type PermissionRequest struct {
	PermissionType PermissionType  `json:"permissionType"`
	ServerName     string          `json:"serverName,omitempty"`
	ToolName       string          `json:"toolName,omitempty"`
	Description    string          `json:"description,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}
