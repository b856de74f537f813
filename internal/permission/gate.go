package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

var (
	// ErrInsufficientGrant is returned when the granted type does not cover
	// the request the decision was made for.
	ErrInsufficientGrant = errors.New("granted permission does not cover the request")
	// ErrMessageRetired is returned for decisions on a completed message.
	ErrMessageRetired = errors.New("message is no longer pending")
)

// Decision is a human answer to a permission block.
type Decision struct {
	ConversationID string
	MessageID      string
	ToolCallID     string
	Granted        bool
	// PermissionType is the scope granted. Empty means the scope requested.
	PermissionType types.PermissionType
}

// Evaluation is the result of applying a Decision.
type Evaluation struct {
	// UpdatedCount is the number of pending blocks the decision resolved.
	// Zero means the anchor was already resolved.
	UpdatedCount int
	// Anchor is the block the decision was made for.
	Anchor  *types.PermissionBlock
	Message *types.Message
}

// Gate applies human decisions to the permission blocks of a message.
type Gate struct {
	blocks *BlockStore
}

// NewGate creates a gate over a block store.
func NewGate(blocks *BlockStore) *Gate {
	return &Gate{blocks: blocks}
}

// CanBatchUpdate reports whether a decision made on anchor also resolves
// candidate. Only pending blocks of the same server and the same tool call
// qualify, and a grant must be sufficient for the candidate's request.
// Approving one tool call never resolves a different tool call, even on
// the same server.
func CanBatchUpdate(candidate, anchor *types.PermissionBlock, granted types.PermissionType) bool {
	if !candidate.Pending() {
		return false
	}
	if candidate.ServerName != anchor.ServerName {
		return false
	}
	if candidate.ToolCallID != anchor.ToolCallID {
		return false
	}
	return IsSufficient(granted, candidate.PermissionType)
}

// Evaluate applies d to the message it names and persists the result once.
func (g *Gate) Evaluate(ctx context.Context, d Decision) (*Evaluation, error) {
	eval := &Evaluation{}
	var status types.PermissionStatus
	var grantedType types.PermissionType

	msg, err := g.blocks.Mutate(ctx, d.MessageID, func(msg *types.Message) (bool, error) {
		if d.ConversationID != "" && msg.ConversationID != d.ConversationID {
			return false, fmt.Errorf("%w: message %s is not in conversation %s", ErrNotFound, d.MessageID, d.ConversationID)
		}
		if msg.Retired() {
			return false, fmt.Errorf("%w: %s", ErrMessageRetired, msg.ID)
		}

		anchor, err := g.blocks.Find(msg, d.ToolCallID)
		if err != nil {
			return false, err
		}
		eval.Anchor = anchor

		grantedType = d.PermissionType
		if grantedType == "" || !d.Granted {
			// A denial covers exactly what was asked.
			grantedType = anchor.PermissionType
		}
		if err := ValidateType(grantedType); err != nil {
			return false, err
		}
		if !anchor.Pending() {
			return false, nil
		}
		if !IsSufficient(grantedType, anchor.PermissionType) {
			return false, fmt.Errorf("%w: granted %s, requested %s", ErrInsufficientGrant, grantedType, anchor.PermissionType)
		}

		status = types.PermissionDenied
		if d.Granted {
			status = types.PermissionGranted
		}
		now := types.NowMillis()
		eval.UpdatedCount = g.blocks.UpdateStatus(msg, func(pb *types.PermissionBlock) bool {
			if !CanBatchUpdate(pb, anchor, grantedType) {
				return false
			}
			pb.NeedsUserAction = false
			pb.ResolvedAt = &now
			if d.Granted && grantedType != types.PermissionCommand {
				pb.GrantedPermissions = Implied(grantedType)
			}
			return true
		}, status)
		return eval.UpdatedCount > 0, nil
	})
	if err != nil {
		return nil, err
	}
	eval.Message = msg

	if eval.UpdatedCount > 0 {
		logging.Info().
			Str("conversationID", msg.ConversationID).
			Str("messageID", msg.ID).
			Str("toolCallID", d.ToolCallID).
			Str("status", string(status)).
			Str("permissionType", string(grantedType)).
			Int("updated", eval.UpdatedCount).
			Msg("permission decision applied")
	}
	return eval, nil
}
