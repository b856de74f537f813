package session

import (
	"context"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/provider"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/internal/tool"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// fakeStreamer replies with canned messages, then plain text. With hang set
// it never ends a stream until the context is cancelled.
type fakeStreamer struct {
	mu       sync.Mutex
	replies  []*schema.Message
	err      error
	hang     bool
	requests []*provider.CompletionRequest
}

func (s *fakeStreamer) StartStreamCompletion(ctx context.Context, req *provider.CompletionRequest) (<-chan provider.StreamEvent, error) {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, req)
	reply := schema.AssistantMessage("Done.", nil)
	if n < len(s.replies) {
		reply = s.replies[n]
	}
	err, hang := s.err, s.hang
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	ch := make(chan provider.StreamEvent, 2)
	if hang {
		ch <- provider.StreamEvent{Type: provider.EventResponse, Chunk: &schema.Message{Role: schema.Assistant, Content: "thinking"}}
		return ch, nil
	}
	if reply.Content != "" {
		ch <- provider.StreamEvent{Type: provider.EventResponse, Chunk: &schema.Message{Role: schema.Assistant, Content: reply.Content}}
	}
	ch <- provider.StreamEvent{Type: provider.EventEnd, Message: reply}
	close(ch)
	return ch, nil
}

func (s *fakeStreamer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *fakeStreamer) request(i int) *provider.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

// trace records lock and notification order across fakes.
type trace struct {
	mu     sync.Mutex
	events []string
}

func (t *trace) add(e string) {
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

type fakeLocker struct {
	trace *trace
	deny  bool
}

func (l *fakeLocker) TryLock(conversationID, messageID string) (func(), bool) {
	if l.deny {
		return nil, false
	}
	l.trace.add("lock")
	return func() { l.trace.add("release") }, true
}

// fakeExecutor completes every loading tool call, or pauses when pause is set.
// Each outcome is saved before the next call runs; afterTool runs after each
// save.
type fakeExecutor struct {
	store storage.MessageStore
	trace *trace

	mu        sync.Mutex
	pause     bool
	batches   int
	discarded []string
	afterTool func(toolCallID string)
}

func (e *fakeExecutor) ExecuteBatch(ctx context.Context, conversationID, messageID string) (*BatchOutcome, error) {
	e.mu.Lock()
	e.batches++
	pause, afterTool := e.pause, e.afterTool
	e.mu.Unlock()

	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	out := &BatchOutcome{}
	for _, tc := range msg.ToolCalls() {
		if tc.Status != types.ToolCallLoading {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if pause {
			out.Paused = true
			out.Pending = &types.PendingPermission{ConversationID: conversationID, MessageID: messageID, ToolCallID: tc.ToolCallID}
			return out, nil
		}
		result := "result:" + tc.ToolCallID
		tc.Status = types.ToolCallSuccess
		tc.Response = &result
		out.Executed++
		if err := e.store.PutMessage(ctx, msg); err != nil {
			return out, err
		}
		if afterTool != nil {
			afterTool(tc.ToolCallID)
		}
	}
	return out, nil
}

func (e *fakeExecutor) NotifyPending(conversationID, messageID string) {
	e.trace.add("notify")
}

func (e *fakeExecutor) DiscardPending(conversationID string) {
	e.mu.Lock()
	e.discarded = append(e.discarded, conversationID)
	e.mu.Unlock()
}

type catalog []tool.Definition

func (c catalog) Tools() []tool.Definition { return c }

func (c catalog) Resolve(qualified string) (string, string, bool) {
	for _, d := range c {
		if tool.QualifiedName(d.Server, d.Name) == qualified {
			return d.Server, d.Name, true
		}
	}
	return "", qualified, false
}

type fixture struct {
	ctx      context.Context
	store    *storage.FileStore
	bus      *event.Bus
	streamer *fakeStreamer
	executor *fakeExecutor
	locker   *fakeLocker
	trace    *trace
	mgr      *Manager
	conv     *types.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewFileStore(t.TempDir())
	bus := event.NewBus()
	tr := &trace{}
	streamer := &fakeStreamer{}
	executor := &fakeExecutor{store: store, trace: tr}
	locker := &fakeLocker{trace: tr}

	mgr := NewManager(store, streamer, bus)
	mgr.SetLocker(locker)
	mgr.SetExecutor(executor)
	mgr.SetCatalog(catalog{{Server: "fs", Name: "write_file", Description: "write a file"}})

	conv, err := mgr.CreateConversation(ctx, "", "", "", "be brief")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	return &fixture{ctx: ctx, store: store, bus: bus, streamer: streamer, executor: executor, locker: locker, trace: tr, mgr: mgr, conv: conv}
}

// assistant stores a user prompt and an empty pending assistant message.
func (f *fixture) assistant(t *testing.T) *types.Message {
	t.Helper()
	now := types.NowMillis()
	user := &types.Message{
		ID:             types.NewID(),
		ConversationID: f.conv.ID,
		Role:           "user",
		Status:         types.MessageSent,
		Content:        types.Blocks{&types.TextBlock{ID: types.NewID(), Type: types.BlockContent, Content: "hello"}},
		Time:           types.MessageTime{Created: now},
	}
	require.NoError(t, f.store.PutMessage(f.ctx, user))
	msg := &types.Message{
		ID:             types.NewID(),
		ConversationID: f.conv.ID,
		Role:           "assistant",
		Status:         types.MessagePending,
		ParentID:       user.ID,
		Time:           types.MessageTime{Created: now},
	}
	require.NoError(t, f.store.PutMessage(f.ctx, msg))
	return msg
}

func (f *fixture) message(t *testing.T, id string) *types.Message {
	t.Helper()
	msg, err := f.store.GetMessage(f.ctx, id)
	require.NoError(t, err)
	return msg
}

func (f *fixture) status(t *testing.T) types.ConversationStatus {
	t.Helper()
	s, err := f.mgr.Status(f.ctx, f.conv.ID)
	require.NoError(t, err)
	return s
}

func toolCallReply(id string) *schema.Message {
	return schema.AssistantMessage("", []schema.ToolCall{{
		ID:       id,
		Function: schema.FunctionCall{Name: "fs__write_file", Arguments: `{"path":"a.txt"}`},
	}})
}
