package types

import (
	"encoding/json"
	"fmt"
)

// BlockType discriminates the variants stored in a message's content.
type BlockType string

const (
	BlockContent    BlockType = "content"
	BlockReasoning  BlockType = "reasoning_content"
	BlockToolCall   BlockType = "tool_call"
	BlockPermission BlockType = "permission"
	BlockError      BlockType = "error"
)

// Block is one entry of an assistant message's ordered content.
type Block interface {
	BlockType() BlockType
	BlockID() string
}

// BlockTime contains timing information for a block.
type BlockTime struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// TextBlock holds generated text.
type TextBlock struct {
	ID      string    `json:"id"`
	Type    BlockType `json:"type"` // always "content"
	Content string    `json:"content"`
	Time    BlockTime `json:"time,omitempty"`
}

func (b *TextBlock) BlockType() BlockType { return BlockContent }
func (b *TextBlock) BlockID() string      { return b.ID }

// ReasoningBlock holds extended thinking output.
type ReasoningBlock struct {
	ID      string    `json:"id"`
	Type    BlockType `json:"type"` // always "reasoning_content"
	Content string    `json:"content"`
	Time    BlockTime `json:"time,omitempty"`
}

func (b *ReasoningBlock) BlockType() BlockType { return BlockReasoning }
func (b *ReasoningBlock) BlockID() string      { return b.ID }

// ToolCallStatus is the execution state of a tool call.
type ToolCallStatus string

const (
	ToolCallLoading ToolCallStatus = "loading"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCallBlock represents a concrete tool invocation and its outcome.
// Once Status leaves "loading" the call is never executed again.
type ToolCallBlock struct {
	ID         string         `json:"id"`
	Type       BlockType      `json:"type"` // always "tool_call"
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	ServerName string         `json:"serverName,omitempty"`
	Params     string         `json:"params"`
	Status     ToolCallStatus `json:"status"`
	Response   *string        `json:"response,omitempty"`
	Time       BlockTime      `json:"time,omitempty"`
}

func (b *ToolCallBlock) BlockType() BlockType { return BlockToolCall }
func (b *ToolCallBlock) BlockID() string      { return b.ID }

// Done reports whether the call reached a terminal status.
func (b *ToolCallBlock) Done() bool {
	return b.Status == ToolCallSuccess || b.Status == ToolCallError
}

// PermissionBlock is a paused, approval-gated action.
// ToolCallID refers to a ToolCallBlock of the same message by id only.
type PermissionBlock struct {
	ID                 string           `json:"id"`
	Type               BlockType        `json:"type"` // always "permission"
	ToolCallID         string           `json:"toolCallId"`
	ToolName           string           `json:"toolName,omitempty"`
	ServerName         string           `json:"serverName"`
	PermissionType     PermissionType   `json:"permissionType"`
	Status             PermissionStatus `json:"status"`
	Description        string           `json:"description,omitempty"`
	Payload            json.RawMessage  `json:"payload,omitempty"`
	NeedsUserAction    bool             `json:"needsUserAction"`
	GrantedPermissions []PermissionType `json:"grantedPermissions,omitempty"`
	ResolvedAt         *int64           `json:"resolvedAt,omitempty"`
	Time               BlockTime        `json:"time,omitempty"`
}

func (b *PermissionBlock) BlockType() BlockType { return BlockPermission }
func (b *PermissionBlock) BlockID() string      { return b.ID }

// Pending reports whether the block still awaits a human decision.
func (b *PermissionBlock) Pending() bool { return b.Status == PermissionPending }

// ErrorBlock is a visible error entry in the transcript.
type ErrorBlock struct {
	ID      string    `json:"id"`
	Type    BlockType `json:"type"` // always "error"
	Content string    `json:"content"`
	Time    BlockTime `json:"time,omitempty"`
}

func (b *ErrorBlock) BlockType() BlockType { return BlockError }
func (b *ErrorBlock) BlockID() string      { return b.ID }

// RawBlock preserves blocks of a type this build does not know about.
type RawBlock struct {
	ID   string
	Type BlockType
	Raw  json.RawMessage
}

func (b *RawBlock) BlockType() BlockType { return b.Type }
func (b *RawBlock) BlockID() string      { return b.ID }

// MarshalJSON returns the original bytes.
func (b *RawBlock) MarshalJSON() ([]byte, error) {
	return b.Raw, nil
}

// Blocks is the ordered content of a message.
type Blocks []Block

// MarshalJSON encodes the blocks as a JSON array, stamping each type tag.
func (bs Blocks) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(bs))
	for _, b := range bs {
		stampType(b)
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal %s block %s: %w", b.BlockType(), b.BlockID(), err)
		}
		out = append(out, data)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a JSON array of tagged blocks.
func (bs *Blocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	result := make(Blocks, 0, len(raws))
	for i, raw := range raws {
		b, err := UnmarshalBlock(raw)
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		result = append(result, b)
	}
	*bs = result
	return nil
}

// UnmarshalBlock decodes a single block into its concrete type.
func UnmarshalBlock(data []byte) (Block, error) {
	var head struct {
		ID   string    `json:"id"`
		Type BlockType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	var b Block
	switch head.Type {
	case BlockContent:
		b = &TextBlock{}
	case BlockReasoning:
		b = &ReasoningBlock{}
	case BlockToolCall:
		b = &ToolCallBlock{}
	case BlockPermission:
		b = &PermissionBlock{}
	case BlockError:
		b = &ErrorBlock{}
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return &RawBlock{ID: head.ID, Type: head.Type, Raw: raw}, nil
	}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, err
	}
	return b, nil
}

func stampType(b Block) {
	switch v := b.(type) {
	case *TextBlock:
		v.Type = BlockContent
	case *ReasoningBlock:
		v.Type = BlockReasoning
	case *ToolCallBlock:
		v.Type = BlockToolCall
	case *PermissionBlock:
		v.Type = BlockPermission
	case *ErrorBlock:
		v.Type = BlockError
	}
}
