package session

import (
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

func strPtr(s string) *string { return &s }

func TestBuildContext(t *testing.T) {
	conv := &types.Conversation{System: "sys"}
	user := &types.Message{Role: "user", Content: types.Blocks{
		&types.TextBlock{Content: "first"},
		&types.TextBlock{Content: "second"},
	}}
	assistant := &types.Message{Role: "assistant", Content: types.Blocks{
		&types.ReasoningBlock{Content: "plan"},
		&types.TextBlock{Content: "Let me look."},
		&types.ToolCallBlock{ToolCallID: "a", ToolName: "read_file", ServerName: "fs", Params: `{}`, Status: types.ToolCallSuccess, Response: strPtr("contents")},
		&types.PermissionBlock{ToolCallID: "b", Status: types.PermissionDenied},
		&types.ToolCallBlock{ToolCallID: "b", ToolName: "write_file", ServerName: "fs", Params: `{}`, Status: types.ToolCallError, Response: strPtr("User denied the request.")},
		&types.ToolCallBlock{ToolCallID: "c", ToolName: "write_file", ServerName: "fs", Params: `{}`, Status: types.ToolCallLoading},
		&types.TextBlock{Content: "Done."},
		&types.ErrorBlock{Content: "ignored"},
	}}

	out := BuildContext(conv, []*types.Message{user, assistant})
	require.Len(t, out, 6)

	assert.Equal(t, schema.System, out[0].Role)
	assert.Equal(t, "first\nsecond", out[1].Content)

	turn := out[2]
	assert.Equal(t, schema.Assistant, turn.Role)
	assert.Equal(t, "Let me look.", turn.Content)
	assert.Equal(t, "plan", turn.ReasoningContent)
	require.Len(t, turn.ToolCalls, 2, "loading calls are left out")
	assert.Equal(t, "fs__read_file", turn.ToolCalls[0].Function.Name)

	assert.Equal(t, schema.Tool, out[3].Role)
	assert.Equal(t, "a", out[3].ToolCallID)
	assert.Equal(t, "contents", out[3].Content)
	assert.Equal(t, "User denied the request.", out[4].Content)

	assert.Equal(t, schema.Assistant, out[5].Role)
	assert.Equal(t, "Done.", out[5].Content)
}

func TestBuildContext_EmptyAssistant(t *testing.T) {
	out := BuildContext(nil, []*types.Message{
		{Role: "user", Content: types.Blocks{&types.TextBlock{Content: "hi"}}},
		{Role: "assistant"},
	})
	require.Len(t, out, 1)
	assert.Equal(t, schema.User, out[0].Role)
}

func TestToolResult_FailedWithoutResponse(t *testing.T) {
	assert.Equal(t, "Tool call failed", toolResult(&types.ToolCallBlock{Status: types.ToolCallError}))
	assert.Empty(t, toolResult(&types.ToolCallBlock{Status: types.ToolCallSuccess}))
}
