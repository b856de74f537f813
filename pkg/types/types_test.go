package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocksDecodeByType(t *testing.T) {
	data := []byte(`[
		{"id":"b1","type":"content","content":"hello"},
		{"id":"b2","type":"tool_call","toolCallId":"call_1","toolName":"write_file","params":"{}","status":"loading"},
		{"id":"b3","type":"permission","toolCallId":"call_1","serverName":"fs","permissionType":"write","status":"pending","needsUserAction":true},
		{"id":"b4","type":"citation","url":"https://example.com"}
	]`)

	var blocks Blocks
	require.NoError(t, json.Unmarshal(data, &blocks))
	require.Len(t, blocks, 4)

	assert.IsType(t, &TextBlock{}, blocks[0])
	assert.IsType(t, &ToolCallBlock{}, blocks[1])
	assert.IsType(t, &PermissionBlock{}, blocks[2])
	assert.True(t, blocks[2].(*PermissionBlock).Pending())

	raw, ok := blocks[3].(*RawBlock)
	require.True(t, ok)
	assert.Equal(t, BlockType("citation"), raw.BlockType())

	out, err := json.Marshal(blocks)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"url":"https://example.com"`)
}

func TestBlocksMarshalStampsType(t *testing.T) {
	blocks := Blocks{&ErrorBlock{ID: "e1", Content: "boom"}}
	out, err := json.Marshal(blocks)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"type":"error"`)
}

func TestMessageCompanionIsLatest(t *testing.T) {
	msg := &Message{Role: "assistant", Status: MessagePending}
	msg.Append(&ToolCallBlock{ID: "t1", ToolCallID: "call_1", Status: ToolCallLoading})
	msg.Append(&PermissionBlock{ID: "p1", ToolCallID: "call_1", PermissionType: PermissionRead, Status: PermissionGranted})
	msg.Append(&PermissionBlock{ID: "p2", ToolCallID: "call_1", PermissionType: PermissionWrite, Status: PermissionPending})
	msg.Append(&ToolCallBlock{ID: "t2", ToolCallID: "call_2", Status: ToolCallSuccess})

	assert.Equal(t, "p2", msg.Companion("call_1").ID)
	assert.Nil(t, msg.Companion("call_2"))
	assert.True(t, msg.HasPendingPermission())
	assert.Len(t, msg.ToolCalls(), 2)
	assert.Len(t, msg.PermissionBlocks(), 2)
	assert.True(t, msg.ToolCall("call_2").Done())
	assert.False(t, msg.ToolCall("call_1").Done())
	assert.Nil(t, msg.ToolCall("call_3"))
}

func TestMessageRetired(t *testing.T) {
	assert.False(t, (&Message{Status: MessagePending}).Retired())
	assert.True(t, (&Message{Status: MessageSent}).Retired())
	assert.True(t, (&Message{Status: MessageError}).Retired())
}

func TestConversationStatusResumable(t *testing.T) {
	assert.True(t, StatusWaitingPermission.Resumable())
	assert.True(t, StatusGenerating.Resumable())
	assert.False(t, StatusIdle.Resumable())
	assert.False(t, StatusPaused.Resumable())
	assert.False(t, StatusError.Resumable())
}

func TestNewIDIsMonotonic(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
}
