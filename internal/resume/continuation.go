package resume

import (
	"context"
	"fmt"

	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/internal/session"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// Continuation re-enters the generation loop for a message whose tool calls
// have all finished.
type Continuation struct {
	store    storage.MessageStore
	sessions Sessions
}

// NewContinuation creates a continuation over store and sessions.
func NewContinuation(store storage.MessageStore, sessions Sessions) *Continuation {
	return &Continuation{store: store, sessions: sessions}
}

// Continue rebuilds the LLM context from the persisted conversation and runs
// the loop for messageID. The caller holds the conversation lock and keeps
// holding it until Continue returns.
func (c *Continuation) Continue(ctx context.Context, conversationID, messageID string) (*session.LoopResult, error) {
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != conversationID {
		return nil, fmt.Errorf("%w: message %s is not in conversation %s", storage.ErrNotFound, messageID, conversationID)
	}
	if msg.Retired() {
		return nil, fmt.Errorf("%w: message %s is %s", ErrNotResumable, messageID, msg.Status)
	}
	for _, tc := range msg.ToolCalls() {
		if tc.Status == types.ToolCallLoading {
			return nil, fmt.Errorf("tool call %s has not finished", tc.ToolCallID)
		}
	}

	messages, err := c.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	log := logging.ForConversation(conversationID, messageID)
	log.Debug().Int("history", len(messages)).Msg("continuing turn")
	return c.sessions.StartLoop(ctx, conversationID, messageID, session.LoopOptions{
		PreservePendingPermissions: true,
		SkipLockAcquisition:        true,
		Context:                    session.BuildContext(conv, messages),
	})
}
