package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/gatekeeper/internal/provider"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

func TestStartLoop_FinishesTextTurn(t *testing.T) {
	f := newFixture(t)
	f.streamer.replies = []*schema.Message{schema.AssistantMessage("Hello there", nil)}
	msg := f.assistant(t)

	res, err := f.mgr.StartLoop(f.ctx, f.conv.ID, msg.ID, LoopOptions{})
	require.NoError(t, err)
	assert.True(t, res.Finished)
	assert.Equal(t, 1, res.Steps)

	stored := f.message(t, msg.ID)
	assert.Equal(t, types.MessageSent, stored.Status)
	require.Len(t, stored.Content, 1)
	assert.Equal(t, "Hello there", stored.Content[0].(*types.TextBlock).Content)
	assert.Equal(t, types.StatusIdle, f.status(t))
	assert.Zero(t, f.mgr.Generating().Len())
	assert.Equal(t, []string{"lock", "release"}, f.trace.list())

	req := f.streamer.request(0)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, schema.System, req.Messages[0].Role)
	assert.Equal(t, "hello", req.Messages[1].Content)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "fs__write_file", req.Tools[0].Name)
}

func TestStartLoop_ToolRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.streamer.replies = []*schema.Message{toolCallReply("call_1"), schema.AssistantMessage("Wrote it.", nil)}
	msg := f.assistant(t)

	res, err := f.mgr.StartLoop(f.ctx, f.conv.ID, msg.ID, LoopOptions{})
	require.NoError(t, err)
	assert.True(t, res.Finished)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, 2, f.streamer.calls())

	stored := f.message(t, msg.ID)
	tc := stored.ToolCall("call_1")
	require.NotNil(t, tc)
	assert.Equal(t, "fs", tc.ServerName)
	assert.Equal(t, "write_file", tc.ToolName)
	assert.Equal(t, types.ToolCallSuccess, tc.Status)
	assert.Equal(t, types.MessageSent, stored.Status)

	second := f.streamer.request(1).Messages
	last := second[len(second)-1]
	assert.Equal(t, schema.Tool, last.Role)
	assert.Equal(t, "result:call_1", last.Content)
}

func TestStartLoop_UnknownToolIsReported(t *testing.T) {
	f := newFixture(t)
	f.streamer.replies = []*schema.Message{
		schema.AssistantMessage("", []schema.ToolCall{{ID: "c1", Function: schema.FunctionCall{Name: "nope__thing"}}}),
	}
	msg := f.assistant(t)

	_, err := f.mgr.StartLoop(f.ctx, f.conv.ID, msg.ID, LoopOptions{})
	require.NoError(t, err)

	tc := f.message(t, msg.ID).ToolCall("c1")
	require.NotNil(t, tc)
	assert.Equal(t, types.ToolCallError, tc.Status)
	assert.Equal(t, "Unknown tool: nope__thing", *tc.Response)
	assert.Equal(t, "{}", tc.Params)
}

func TestStartLoop_PauseReleasesBeforeNotify(t *testing.T) {
	f := newFixture(t)
	f.executor.pause = true
	f.streamer.replies = []*schema.Message{toolCallReply("call_1")}
	msg := f.assistant(t)

	res, err := f.mgr.StartLoop(f.ctx, f.conv.ID, msg.ID, LoopOptions{})
	require.NoError(t, err)
	assert.True(t, res.Paused)
	require.NotNil(t, res.Pending)
	assert.Equal(t, "call_1", res.Pending.ToolCallID)
	assert.Equal(t, []string{"lock", "release", "notify"}, f.trace.list())

	st, ok := f.mgr.Generating().Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, "call_1", st.PendingToolCall)
	assert.Equal(t, types.MessagePending, f.message(t, msg.ID).Status)
}

func TestStartLoop_SkipLockAcquisition(t *testing.T) {
	f := newFixture(t)
	f.executor.pause = true
	f.streamer.replies = []*schema.Message{toolCallReply("call_1")}
	msg := f.assistant(t)

	res, err := f.mgr.StartLoop(f.ctx, f.conv.ID, msg.ID, LoopOptions{SkipLockAcquisition: true, PreservePendingPermissions: true})
	require.NoError(t, err)
	assert.True(t, res.Paused)
	assert.Empty(t, f.trace.list(), "the lock owner notifies")
	assert.Empty(t, f.executor.discarded)
}

func TestStartLoop_FreshTurnDiscardsPending(t *testing.T) {
	f := newFixture(t)
	msg := f.assistant(t)

	_, err := f.mgr.StartLoop(f.ctx, f.conv.ID, msg.ID, LoopOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{f.conv.ID}, f.executor.discarded)
}

func TestStartLoop_UsesSuppliedContext(t *testing.T) {
	f := newFixture(t)
	msg := f.assistant(t)
	supplied := []*schema.Message{schema.UserMessage("rebuilt")}

	_, err := f.mgr.StartLoop(f.ctx, f.conv.ID, msg.ID, LoopOptions{Context: supplied})
	require.NoError(t, err)
	assert.Equal(t, supplied, f.streamer.request(0).Messages)
}

func TestStartLoop_Contention(t *testing.T) {
	f := newFixture(t)
	f.locker.deny = true
	msg := f.assistant(t)

	_, err := f.mgr.StartLoop(f.ctx, f.conv.ID, msg.ID, LoopOptions{})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Zero(t, f.streamer.calls())
}

func TestStartLoop_Failures(t *testing.T) {
	t.Run("provider", func(t *testing.T) {
		f := newFixture(t)
		f.streamer.err = errors.New("rate limited")
		msg := f.assistant(t)

		_, err := f.mgr.StartLoop(f.ctx, f.conv.ID, msg.ID, LoopOptions{})
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)

		stored := f.message(t, msg.ID)
		assert.Equal(t, types.MessageError, stored.Status)
		assert.Equal(t, "ProviderError", stored.Error.Name)
		assert.IsType(t, &types.ErrorBlock{}, stored.Content[len(stored.Content)-1])
		assert.Equal(t, types.StatusError, f.status(t))
		assert.Zero(t, f.mgr.Generating().Len())
	})

	t.Run("max steps", func(t *testing.T) {
		f := newFixture(t)
		f.mgr.SetMaxSteps(2)
		f.streamer.replies = []*schema.Message{toolCallReply("a"), toolCallReply("b"), toolCallReply("c")}
		msg := f.assistant(t)

		_, err := f.mgr.StartLoop(f.ctx, f.conv.ID, msg.ID, LoopOptions{})
		require.ErrorIs(t, err, ErrMaxSteps)
		assert.Equal(t, 2, f.streamer.calls())
		assert.Equal(t, "MaxSteps", f.message(t, msg.ID).Error.Name)
	})

	t.Run("retired message", func(t *testing.T) {
		f := newFixture(t)
		msg := f.assistant(t)
		require.NoError(t, f.store.SetMessageStatus(f.ctx, msg.ID, types.MessageSent, nil))

		_, err := f.mgr.StartLoop(f.ctx, f.conv.ID, msg.ID, LoopOptions{})
		require.Error(t, err)
		assert.Zero(t, f.streamer.calls())
		assert.Equal(t, []string{"lock", "release"}, f.trace.list())
	})
}

func TestAbort(t *testing.T) {
	f := newFixture(t)
	f.streamer.hang = true
	msg := f.assistant(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.StartLoop(context.Background(), f.conv.ID, msg.ID, LoopOptions{})
		done <- err
	}()

	require.Eventually(t, func() bool { return f.mgr.IsActive(f.conv.ID) && f.streamer.calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.mgr.Abort(f.conv.ID))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}

	stored := f.message(t, msg.ID)
	assert.Equal(t, "Aborted", stored.Error.Name)
	assert.Equal(t, types.StatusPaused, f.status(t))
	assert.ErrorIs(t, f.mgr.Abort(f.conv.ID), ErrNotActive)
}

func TestStartLoop_AbortKeepsFinishedTools(t *testing.T) {
	f := newFixture(t)
	f.streamer.replies = []*schema.Message{schema.AssistantMessage("Writing both.", []schema.ToolCall{
		{ID: "T1", Function: schema.FunctionCall{Name: "fs__write_file", Arguments: `{"path":"a.txt"}`}},
		{ID: "T2", Function: schema.FunctionCall{Name: "fs__write_file", Arguments: `{"path":"b.txt"}`}},
	})}
	f.executor.afterTool = func(toolCallID string) {
		if toolCallID == "T1" {
			require.NoError(t, f.mgr.Abort(f.conv.ID))
		}
	}
	msg := f.assistant(t)

	_, err := f.mgr.StartLoop(f.ctx, f.conv.ID, msg.ID, LoopOptions{})
	require.ErrorIs(t, err, context.Canceled)

	stored := f.message(t, msg.ID)
	t1 := stored.ToolCall("T1")
	require.NotNil(t, t1)
	assert.Equal(t, types.ToolCallSuccess, t1.Status)
	require.NotNil(t, t1.Response)
	assert.Equal(t, "result:T1", *t1.Response)
	assert.Equal(t, types.ToolCallLoading, stored.ToolCall("T2").Status)

	assert.Equal(t, types.MessageError, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "Aborted", stored.Error.Name)
	assert.IsType(t, &types.ErrorBlock{}, stored.Content[len(stored.Content)-1])
	assert.Equal(t, "Writing both.", stored.Content[0].(*types.TextBlock).Content)
	assert.Equal(t, types.StatusPaused, f.status(t))
	assert.Zero(t, f.mgr.Generating().Len())
}

func TestCarryStreamed(t *testing.T) {
	saved := &types.Message{Content: types.Blocks{
		&types.TextBlock{ID: "t", Type: types.BlockContent, Content: "He"},
		&types.ToolCallBlock{ID: "c", ToolCallID: "c", Status: types.ToolCallSuccess},
	}}
	local := &types.Message{Content: types.Blocks{
		&types.TextBlock{ID: "t", Type: types.BlockContent, Content: "Hello"},
		&types.ToolCallBlock{ID: "c", ToolCallID: "c", Status: types.ToolCallLoading},
		&types.ReasoningBlock{ID: "r", Type: types.BlockReasoning, Content: "hmm"},
	}}

	carryStreamed(saved, local)
	require.Len(t, saved.Content, 3)
	assert.Equal(t, "Hello", saved.Content[0].(*types.TextBlock).Content)
	assert.Equal(t, types.ToolCallSuccess, saved.Content[1].(*types.ToolCallBlock).Status)
	assert.Equal(t, "hmm", saved.Content[2].(*types.ReasoningBlock).Content)
}

func TestFailureFor(t *testing.T) {
	assert.Equal(t, "Aborted", FailureFor(context.Canceled).Name)
	assert.Equal(t, "ProviderError", FailureFor(&ProviderError{Err: errors.New("x")}).Name)
	assert.Equal(t, "MaxSteps", FailureFor(ErrMaxSteps).Name)
	assert.Equal(t, "UnknownError", FailureFor(errors.New("x")).Name)
}

func TestProcessStream_ReasoningThenText(t *testing.T) {
	f := newFixture(t)
	msg := f.assistant(t)

	events := make(chan provider.StreamEvent, 4)
	events <- provider.StreamEvent{Type: provider.EventResponse, Chunk: &schema.Message{ReasoningContent: "hmm"}}
	events <- provider.StreamEvent{Type: provider.EventResponse, Chunk: &schema.Message{Content: "Hi"}}
	events <- provider.StreamEvent{Type: provider.EventEnd, Message: &schema.Message{
		Content:      "Hi",
		ResponseMeta: &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 10, CompletionTokens: 2}},
	}}
	close(events)

	calls, err := f.mgr.processStream(f.ctx, msg, events)
	require.NoError(t, err)
	assert.Empty(t, calls)
	require.Len(t, msg.Content, 2)
	assert.Equal(t, "hmm", msg.Content[0].(*types.ReasoningBlock).Content)
	assert.Equal(t, "Hi", msg.Content[1].(*types.TextBlock).Content)
	assert.Equal(t, 10, msg.Tokens.Input)
	assert.Equal(t, 2, msg.Tokens.Output)
}

func TestProcessStream_ClosedEarly(t *testing.T) {
	f := newFixture(t)
	msg := f.assistant(t)
	events := make(chan provider.StreamEvent)
	close(events)

	_, err := f.mgr.processStream(f.ctx, msg, events)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, errStreamClosed)
}
