package permission

import (
	"sync"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// PendingRegistry holds, per conversation, the queue of permission requests
// awaiting a human decision.
type PendingRegistry struct {
	mu     sync.Mutex
	queues map[string][]types.PendingPermission
}

// NewPendingRegistry creates an empty registry.
func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{queues: make(map[string][]types.PendingPermission)}
}

// Add enqueues p unless an entry for the same message and tool call exists,
// in which case that entry is replaced in place.
func (r *PendingRegistry) Add(p types.PendingPermission) {
	if p.Created == 0 {
		p.Created = types.NowMillis()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.queues[p.ConversationID]
	for i := range q {
		if q[i].MessageID == p.MessageID && q[i].ToolCallID == p.ToolCallID {
			q[i] = p
			return
		}
	}
	r.queues[p.ConversationID] = append(q, p)
}

// Remove drops the entry for a tool call and reports whether one existed.
func (r *PendingRegistry) Remove(conversationID, messageID, toolCallID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.queues[conversationID]
	for i := range q {
		if q[i].MessageID == messageID && q[i].ToolCallID == toolCallID {
			q = append(q[:i], q[i+1:]...)
			if len(q) == 0 {
				delete(r.queues, conversationID)
			} else {
				r.queues[conversationID] = q
			}
			return true
		}
	}
	return false
}

// List returns a copy of the conversation's queue in arrival order.
func (r *PendingRegistry) List(conversationID string) []types.PendingPermission {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[conversationID]
	out := make([]types.PendingPermission, len(q))
	copy(out, q)
	return out
}

// Next returns the oldest pending request for the conversation.
func (r *PendingRegistry) Next(conversationID string) (types.PendingPermission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[conversationID]
	if len(q) == 0 {
		return types.PendingPermission{}, false
	}
	return q[0], true
}

// Count returns the number of pending requests for the conversation.
func (r *PendingRegistry) Count(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[conversationID])
}

// Clear drops every pending request for the conversation.
func (r *PendingRegistry) Clear(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, conversationID)
}

// Sync rebuilds the conversation's queue for messageID from the message's
// pending blocks. Used after a restart, when the in-memory queue is empty
// but the transcript still records pending blocks.
func (r *PendingRegistry) Sync(msg *types.Message) {
	seen := make(map[string]bool)
	for _, pb := range msg.PermissionBlocks() {
		if seen[pb.ToolCallID] {
			continue
		}
		seen[pb.ToolCallID] = true
		latest := msg.Companion(pb.ToolCallID)
		if latest.Pending() {
			r.Add(FromBlock(msg, latest))
		} else {
			r.Remove(msg.ConversationID, msg.ID, pb.ToolCallID)
		}
	}
}

// FromBlock builds the queue entry for a pending block.
func FromBlock(msg *types.Message, pb *types.PermissionBlock) types.PendingPermission {
	created := int64(0)
	if pb.Time.Start != nil {
		created = *pb.Time.Start
	}
	return types.PendingPermission{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		ToolCallID:     pb.ToolCallID,
		ToolName:       pb.ToolName,
		ServerName:     pb.ServerName,
		PermissionType: pb.PermissionType,
		Description:    pb.Description,
		Payload:        pb.Payload,
		Created:        created,
	}
}
