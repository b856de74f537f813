package types

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// MessageStatus is the lifecycle state of a message.
type MessageStatus string

const (
	// MessagePending is a turn that is still being generated or awaits approvals.
	MessagePending MessageStatus = "pending"
	// MessageSent is a turn that completed successfully.
	MessageSent MessageStatus = "sent"
	// MessageError is a turn that ended with an error.
	MessageError MessageStatus = "error"
)

// Message is a user or assistant turn in a conversation.
// Assistant turns own an ordered sequence of content blocks.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Role           string        `json:"role"` // "user" | "assistant"
	Status         MessageStatus `json:"status"`
	Content        Blocks        `json:"content"`
	Time           MessageTime   `json:"time"`

	// Assistant-specific fields
	ParentID   string          `json:"parentId,omitempty"`
	ProviderID string          `json:"providerId,omitempty"`
	ModelID    string          `json:"modelId,omitempty"`
	Tokens     *TokenUsage     `json:"tokens,omitempty"`
	Error      *MessageFailure `json:"error,omitempty"`
}

// MessageTime contains timestamps for a message.
type MessageTime struct {
	Created int64  `json:"created"`
	Updated *int64 `json:"updated,omitempty"`
}

// TokenUsage contains token usage statistics for a message.
type TokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning"`
}

// MessageFailure describes why a turn ended in the error state.
type MessageFailure struct {
	Name    string `json:"name"` // "NotFound" | "StaleLock" | "ProviderError" | "Aborted" | "UnknownError"
	Message string `json:"message"`
}

// Retired reports whether the message is immutable.
func (m *Message) Retired() bool {
	return m.Status == MessageSent || m.Status == MessageError
}

// Append adds a block to the end of the content.
func (m *Message) Append(b Block) {
	m.Content = append(m.Content, b)
}

// ToolCall returns the tool call block with the given tool call id.
func (m *Message) ToolCall(toolCallID string) *ToolCallBlock {
	for _, b := range m.Content {
		if tc, ok := b.(*ToolCallBlock); ok && tc.ToolCallID == toolCallID {
			return tc
		}
	}
	return nil
}

// ToolCalls returns tool call blocks in content order.
func (m *Message) ToolCalls() []*ToolCallBlock {
	var out []*ToolCallBlock
	for _, b := range m.Content {
		if tc, ok := b.(*ToolCallBlock); ok {
			out = append(out, tc)
		}
	}
	return out
}

// PermissionBlocks returns permission blocks in content order.
func (m *Message) PermissionBlocks() []*PermissionBlock {
	var out []*PermissionBlock
	for _, b := range m.Content {
		if pb, ok := b.(*PermissionBlock); ok {
			out = append(out, pb)
		}
	}
	return out
}

// Companion returns the most recent permission block referring to toolCallID.
// A tool call can collect several permission blocks when it asks for broader
// access after an earlier grant; the latest one governs it.
func (m *Message) Companion(toolCallID string) *PermissionBlock {
	var found *PermissionBlock
	for _, b := range m.Content {
		if pb, ok := b.(*PermissionBlock); ok && pb.ToolCallID == toolCallID {
			found = pb
		}
	}
	return found
}

// HasPendingPermission reports whether any permission block awaits a decision.
func (m *Message) HasPendingPermission() bool {
	for _, pb := range m.PermissionBlocks() {
		if pb.Pending() {
			return true
		}
	}
	return false
}

// Touch sets the updated timestamp to now.
func (m *Message) Touch() {
	now := NowMillis()
	m.Time.Updated = &now
}

// NewID returns a new monotonic identifier.
func NewID() string {
	return ulid.Make().String()
}

// NowMillis returns the current unix time in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
