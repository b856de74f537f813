// Package types provides the core data types shared by the gatekeeper packages.
package types

// ConversationStatus is the generation state of a conversation.
type ConversationStatus string

const (
	StatusIdle              ConversationStatus = "idle"
	StatusGenerating        ConversationStatus = "generating"
	StatusWaitingPermission ConversationStatus = "waiting_permission"
	StatusError             ConversationStatus = "error"
	StatusPaused            ConversationStatus = "paused"
)

// Resumable reports whether a paused turn may be re-driven from this status.
func (s ConversationStatus) Resumable() bool {
	return s == StatusWaitingPermission || s == StatusGenerating
}

// Conversation is a persisted chat between the user and the agent.
type Conversation struct {
	ID         string             `json:"id"`
	Title      string             `json:"title"`
	Status     ConversationStatus `json:"status"`
	ProviderID string             `json:"providerId,omitempty"`
	ModelID    string             `json:"modelId,omitempty"`
	System     string             `json:"system,omitempty"`
	Time       ConversationTime   `json:"time"`
}

// ConversationTime contains timestamps for a conversation.
type ConversationTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}
