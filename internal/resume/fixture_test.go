package resume

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/permission"
	"github.com/opencode-ai/gatekeeper/internal/provider"
	"github.com/opencode-ai/gatekeeper/internal/session"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/internal/tool"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// testingT is satisfied by *testing.T and GinkgoT().
type testingT interface {
	require.TestingT
	Helper()
	TempDir() string
	Cleanup(func())
}

// scriptStreamer answers completions with canned replies, then plain text.
type scriptStreamer struct {
	mu       sync.Mutex
	replies  []*schema.Message
	err      error
	requests []*provider.CompletionRequest
}

func (s *scriptStreamer) StartStreamCompletion(ctx context.Context, req *provider.CompletionRequest) (<-chan provider.StreamEvent, error) {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, req)
	reply := schema.AssistantMessage("All done.", nil)
	if n < len(s.replies) {
		reply = s.replies[n]
	}
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan provider.StreamEvent, 2)
	if reply.Content != "" {
		ch <- provider.StreamEvent{Type: provider.EventResponse, Chunk: &schema.Message{Role: schema.Assistant, Content: reply.Content}}
	}
	ch <- provider.StreamEvent{Type: provider.EventEnd, Message: reply}
	close(ch)
	return ch, nil
}

func (s *scriptStreamer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptStreamer) Request(i int) *provider.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

// fakeTools records calls and answers through handle.
type fakeTools struct {
	mu     sync.Mutex
	calls  []tool.Call
	handle func(call tool.Call) (*tool.Response, error)
}

func (f *fakeTools) CallTool(ctx context.Context, call tool.Call) (*tool.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	handle := f.handle
	f.mu.Unlock()
	if handle != nil {
		return handle(call)
	}
	return &tool.Response{Content: "ok:" + call.ID}, nil
}

func (f *fakeTools) Calls() []tool.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tool.Call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeTools) CallIDs() []string {
	var ids []string
	for _, c := range f.Calls() {
		ids = append(ids, c.ID)
	}
	return ids
}

// staticCatalog offers fixed tool definitions to the LLM.
type staticCatalog []tool.Definition

func (c staticCatalog) Tools() []tool.Definition { return c }

func (c staticCatalog) Resolve(qualified string) (string, string, bool) {
	for _, d := range c {
		if tool.QualifiedName(d.Server, d.Name) == qualified {
			return d.Server, d.Name, true
		}
	}
	return "", qualified, false
}

// needsPermission is the response of a tool that discovered it needs access.
func needsPermission(t types.PermissionType) *tool.Response {
	return &tool.Response{
		Content: "permission required",
		RawData: &tool.RawData{
			RequiresPermission: true,
			PermissionRequest: &types.PermissionRequest{
				PermissionType: t,
				Description:    "needs " + string(t) + " access",
				Payload:        json.RawMessage(`{"path":"/tmp/out.txt"}`),
			},
		},
	}
}

type fixture struct {
	ctx      context.Context
	store    *storage.FileStore
	bus      *event.Bus
	sessions *session.Manager
	streamer *scriptStreamer
	tools    *fakeTools
	svc      *Service
	conv     *types.Conversation
}

func newFixture(t testingT, approvals *permission.Approvals) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewFileStore(t.TempDir())
	bus := event.NewBus()
	streamer := &scriptStreamer{}
	tools := &fakeTools{}

	mgr := session.NewManager(store, streamer, bus)
	svc := NewService(Config{
		Store:     store,
		Sessions:  mgr,
		Tools:     tools,
		Approvals: approvals,
		Bus:       bus,
		Options:   Options{ToolReadyInterval: time.Millisecond, ToolReadyTimeout: 5 * time.Millisecond},
	})
	mgr.SetBlocks(svc.Blocks())
	mgr.SetLocker(svc.Locks())
	mgr.SetExecutor(svc.Coordinator())

	conv, err := mgr.CreateConversation(ctx, "test", "", "", "")
	require.NoError(t, err)
	require.NoError(t, mgr.SetStatus(ctx, conv.ID, types.StatusWaitingPermission))

	t.Cleanup(func() {
		svc.Close()
		_ = bus.Close()
	})
	return &fixture{ctx: ctx, store: store, bus: bus, sessions: mgr, streamer: streamer, tools: tools, svc: svc, conv: conv}
}

// seed stores a user prompt and an assistant message holding blocks.
func (f *fixture) seed(t testingT, blocks ...types.Block) *types.Message {
	t.Helper()
	now := types.NowMillis()
	user := &types.Message{
		ID:             types.NewID(),
		ConversationID: f.conv.ID,
		Role:           "user",
		Status:         types.MessageSent,
		Content:        types.Blocks{&types.TextBlock{ID: types.NewID(), Type: types.BlockContent, Content: "write the file"}},
		Time:           types.MessageTime{Created: now},
	}
	require.NoError(t, f.store.PutMessage(f.ctx, user))

	msg := &types.Message{
		ID:             types.NewID(),
		ConversationID: f.conv.ID,
		Role:           "assistant",
		Status:         types.MessagePending,
		ParentID:       user.ID,
		Content:        blocks,
		Time:           types.MessageTime{Created: now},
	}
	require.NoError(t, f.store.PutMessage(f.ctx, msg))
	return msg
}

func (f *fixture) message(t testingT, id string) *types.Message {
	t.Helper()
	msg, err := f.store.GetMessage(f.ctx, id)
	require.NoError(t, err)
	return msg
}

func (f *fixture) status(t testingT) types.ConversationStatus {
	t.Helper()
	s, err := f.sessions.Status(f.ctx, f.conv.ID)
	require.NoError(t, err)
	return s
}

func permBlock(toolCallID string, pt types.PermissionType, status types.PermissionStatus) *types.PermissionBlock {
	return &types.PermissionBlock{
		ID:              types.NewID(),
		Type:            types.BlockPermission,
		ToolCallID:      toolCallID,
		ToolName:        "write_file",
		ServerName:      "fs",
		PermissionType:  pt,
		Status:          status,
		NeedsUserAction: status == types.PermissionPending,
		Payload:         json.RawMessage(`{"path":"/tmp/out.txt"}`),
	}
}

func toolBlock(toolCallID string) *types.ToolCallBlock {
	return &types.ToolCallBlock{
		ID:         types.NewID(),
		Type:       types.BlockToolCall,
		ToolCallID: toolCallID,
		ToolName:   "write_file",
		ServerName: "fs",
		Params:     `{"path":"/tmp/out.txt"}`,
		Status:     types.ToolCallLoading,
	}
}

func response(tc *types.ToolCallBlock) string {
	if tc == nil || tc.Response == nil {
		return ""
	}
	return *tc.Response
}
