package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/internal/permission"
	"github.com/opencode-ai/gatekeeper/internal/provider"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/internal/tool"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

var (
	// ErrBusy is returned when a conversation already has a turn in flight.
	ErrBusy = errors.New("conversation is busy")
	// ErrNotActive is returned by Abort when nothing is generating.
	ErrNotActive = errors.New("conversation is not generating")
)

// Locker guards a conversation's generation critical section.
type Locker interface {
	// TryLock returns a release function, or false if the conversation is
	// already locked.
	TryLock(conversationID, messageID string) (release func(), ok bool)
}

// BatchOutcome reports what happened to the runnable tool calls of a message.
type BatchOutcome struct {
	Executed int
	// Paused is set when a tool asked for permission and the turn must wait.
	Paused  bool
	Pending *types.PendingPermission
}

// BatchExecutor runs the runnable tool calls of a message. The caller holds
// the conversation lock.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, conversationID, messageID string) (*BatchOutcome, error)
	// NotifyPending tells clients which permission to ask about next. It is
	// called after the lock is released.
	NotifyPending(conversationID, messageID string)
}

// MessageMutator applies a change to a fresh copy of a message. Writers that
// share a message must share the mutator.
type MessageMutator interface {
	Mutate(ctx context.Context, messageID string, fn func(msg *types.Message) (bool, error)) (*types.Message, error)
}

// ToolCatalog lists the tools offered to the LLM and maps their names back.
type ToolCatalog interface {
	Tools() []tool.Definition
	Resolve(qualified string) (server, name string, ok bool)
}

// Manager owns conversations and drives their generation loops.
type Manager struct {
	store    storage.MessageStore
	streamer provider.Streamer
	bus      *event.Bus
	blocks   MessageMutator

	locker   Locker
	executor BatchExecutor
	catalog  ToolCatalog
	maxSteps int

	generating *GeneratingRegistry

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewManager creates a manager. A Locker and BatchExecutor must be set
// before loops run tool calls.
func NewManager(store storage.MessageStore, streamer provider.Streamer, bus *event.Bus) *Manager {
	return &Manager{
		store:      store,
		streamer:   streamer,
		bus:        bus,
		blocks:     permission.NewBlockStore(store),
		locker:     noopLocker{},
		maxSteps:   MaxSteps,
		generating: NewGeneratingRegistry(),
		active:     make(map[string]context.CancelFunc),
	}
}

// SetLocker sets the conversation lock used by loops that acquire it.
func (m *Manager) SetLocker(l Locker) { m.locker = l }

// SetBlocks sets the mutator used to record failures on messages that tool
// execution may be editing.
func (m *Manager) SetBlocks(b MessageMutator) { m.blocks = b }

// SetExecutor sets the executor for tool calls produced by the LLM.
func (m *Manager) SetExecutor(e BatchExecutor) { m.executor = e }

// SetCatalog sets the tools offered to the LLM.
func (m *Manager) SetCatalog(c ToolCatalog) { m.catalog = c }

// SetMaxSteps bounds the number of LLM calls per turn.
func (m *Manager) SetMaxSteps(n int) {
	if n > 0 {
		m.maxSteps = n
	}
}

// Store returns the message store.
func (m *Manager) Store() storage.MessageStore { return m.store }

// Generating returns the registry of messages being generated.
func (m *Manager) Generating() *GeneratingRegistry { return m.generating }

// DiscardGenerating drops the generating state of a message.
func (m *Manager) DiscardGenerating(messageID string) { m.generating.Destroy(messageID) }

// CreateConversation creates an idle conversation.
func (m *Manager) CreateConversation(ctx context.Context, title, providerID, modelID, system string) (*types.Conversation, error) {
	now := types.NowMillis()
	if title == "" {
		title = defaultTitle
	}
	conv := &types.Conversation{
		ID:         types.NewID(),
		Title:      title,
		Status:     types.StatusIdle,
		ProviderID: providerID,
		ModelID:    modelID,
		System:     system,
		Time:       types.ConversationTime{Created: now, Updated: now},
	}
	if err := m.store.PutConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get returns a conversation.
func (m *Manager) Get(ctx context.Context, conversationID string) (*types.Conversation, error) {
	return m.store.GetConversation(ctx, conversationID)
}

// List returns all conversations, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]*types.Conversation, error) {
	return m.store.ListConversations(ctx)
}

// Messages returns a conversation's messages in order.
func (m *Manager) Messages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	return m.store.ListMessages(ctx, conversationID)
}

// Status returns the conversation's status.
func (m *Manager) Status(ctx context.Context, conversationID string) (types.ConversationStatus, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return conv.Status, nil
}

// SetStatus persists a status transition and announces it.
func (m *Manager) SetStatus(ctx context.Context, conversationID string, status types.ConversationStatus) error {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Status == status {
		return nil
	}
	conv.Status = status
	if err := m.store.PutConversation(ctx, conv); err != nil {
		return err
	}
	m.bus.Publish(event.Event{
		Type: event.ConversationStatus,
		Data: event.ConversationStatusData{ConversationID: conversationID, Status: status},
	})
	return nil
}

// Prompt records a user message, creates the assistant message for the
// reply and starts generating it in the background. The conversation lock is
// taken before anything is saved, so concurrent prompts cannot both start.
func (m *Manager) Prompt(ctx context.Context, conversationID, text string) (*types.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty prompt")
	}
	assistantID := types.NewID()
	release, ok := m.locker.TryLock(conversationID, assistantID)
	if !ok {
		return nil, fmt.Errorf("%w: another turn holds the conversation", ErrBusy)
	}

	assistant, err := m.savePrompt(ctx, conversationID, assistantID, text)
	if err != nil {
		release()
		return nil, err
	}

	go func() {
		if _, err := m.runLocked(context.Background(), conversationID, assistant.ID, LoopOptions{}, release); err != nil {
			logging.Warn().Err(err).Str("conversationID", conversationID).Msg("generation did not complete")
		}
	}()
	return assistant, nil
}

func (m *Manager) savePrompt(ctx context.Context, conversationID, assistantID, text string) (*types.Message, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == types.StatusGenerating || conv.Status == types.StatusWaitingPermission {
		return nil, fmt.Errorf("%w: %s", ErrBusy, conv.Status)
	}

	now := types.NowMillis()
	user := &types.Message{
		ID:             types.NewID(),
		ConversationID: conversationID,
		Role:           "user",
		Status:         types.MessageSent,
		Content:        types.Blocks{&types.TextBlock{ID: types.NewID(), Type: types.BlockContent, Content: text}},
		Time:           types.MessageTime{Created: now},
	}
	if err := m.store.PutMessage(ctx, user); err != nil {
		return nil, err
	}
	m.ensureTitle(ctx, conv, text)

	assistant := &types.Message{
		ID:             assistantID,
		ConversationID: conversationID,
		Role:           "assistant",
		Status:         types.MessagePending,
		ParentID:       user.ID,
		ProviderID:     conv.ProviderID,
		ModelID:        conv.ModelID,
		Time:           types.MessageTime{Created: now},
	}
	if err := m.store.PutMessage(ctx, assistant); err != nil {
		return nil, err
	}
	m.publishMessage(assistant)
	return assistant, nil
}

// Abort cancels the turn generating in a conversation.
func (m *Manager) Abort(conversationID string) error {
	m.mu.Lock()
	cancel, ok := m.active[conversationID]
	m.mu.Unlock()
	if !ok {
		return ErrNotActive
	}
	cancel()
	return nil
}

// IsActive reports whether a loop is running for the conversation.
func (m *Manager) IsActive(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[conversationID]
	return ok
}

func (m *Manager) track(conversationID string, cancel context.CancelFunc) func() {
	m.mu.Lock()
	m.active[conversationID] = cancel
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.active, conversationID)
		m.mu.Unlock()
		cancel()
	}
}

func (m *Manager) publishMessage(msg *types.Message) {
	m.bus.Publish(event.Event{
		Type: event.MessageUpdated,
		Data: event.MessageUpdatedData{Info: msg},
	})
}

const defaultTitle = "New conversation"

// ensureTitle replaces the default title with the first line of the first
// prompt.
func (m *Manager) ensureTitle(ctx context.Context, conv *types.Conversation, prompt string) {
	if conv.Title != defaultTitle {
		return
	}
	title := ""
	for _, line := range strings.Split(prompt, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			title = line
			break
		}
	}
	if r := []rune(title); len(r) > 50 {
		title = string(r[:47]) + "..."
	}
	if title == "" {
		return
	}
	conv.Title = title
	if err := m.store.PutConversation(ctx, conv); err != nil {
		logging.Warn().Err(err).Str("conversationID", conv.ID).Msg("failed to update title")
	}
}

type noopLocker struct{}

func (noopLocker) TryLock(string, string) (func(), bool) { return func() {}, true }
