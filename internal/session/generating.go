package session

import (
	"sync"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// GeneratingState is the in-memory snapshot of a message being generated.
type GeneratingState struct {
	ConversationID string
	MessageID      string
	Message        *types.Message
	// PendingToolCall is the tool call the turn is paused on, if any.
	PendingToolCall string
	Started         int64
}

// GeneratingRegistry tracks generating messages by message id.
type GeneratingRegistry struct {
	mu     sync.RWMutex
	states map[string]*GeneratingState
}

// NewGeneratingRegistry creates an empty registry.
func NewGeneratingRegistry() *GeneratingRegistry {
	return &GeneratingRegistry{states: make(map[string]*GeneratingState)}
}

// Create registers a fresh state for msg, replacing any previous one.
func (r *GeneratingRegistry) Create(msg *types.Message) *GeneratingState {
	st := &GeneratingState{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Message:        msg,
		Started:        types.NowMillis(),
	}
	r.mu.Lock()
	r.states[msg.ID] = st
	r.mu.Unlock()
	return st
}

// Get returns a copy of the state for messageID.
func (r *GeneratingRegistry) Get(messageID string) (GeneratingState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[messageID]
	if !ok {
		return GeneratingState{}, false
	}
	return *st, true
}

// Update replaces the snapshot and cursor for messageID if it is tracked.
func (r *GeneratingRegistry) Update(msg *types.Message, pendingToolCall string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[msg.ID]
	if !ok {
		return
	}
	st.Message = msg
	st.PendingToolCall = pendingToolCall
}

// Destroy forgets messageID.
func (r *GeneratingRegistry) Destroy(messageID string) {
	r.mu.Lock()
	delete(r.states, messageID)
	r.mu.Unlock()
}

// Len returns the number of tracked messages.
func (r *GeneratingRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}
