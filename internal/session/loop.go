package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/internal/provider"
	"github.com/opencode-ai/gatekeeper/internal/tool"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// MaxSteps is the default maximum number of LLM calls in one turn.
const MaxSteps = 50

// ErrMaxSteps is returned when a turn keeps calling tools past the limit.
var ErrMaxSteps = errors.New("maximum steps reached")

// LoopOptions controls how StartLoop enters the generation loop.
type LoopOptions struct {
	// PreservePendingPermissions keeps the conversation's queued permission
	// requests. Fresh turns discard stale ones.
	PreservePendingPermissions bool
	// SkipLockAcquisition is set when the caller already holds the
	// conversation lock.
	SkipLockAcquisition bool
	// Context, when set, is the LLM context for the first step.
	Context []*schema.Message
}

// LoopResult describes how a loop ended without error.
type LoopResult struct {
	Finished bool
	Paused   bool
	Pending  *types.PendingPermission
	Steps    int
}

// StartLoop generates the assistant message until the turn finishes, pauses
// for a permission, or fails. It blocks until then.
func (m *Manager) StartLoop(ctx context.Context, conversationID, messageID string, opts LoopOptions) (*LoopResult, error) {
	if opts.SkipLockAcquisition {
		return m.loop(ctx, conversationID, messageID, opts)
	}

	release, ok := m.locker.TryLock(conversationID, messageID)
	if !ok {
		return nil, fmt.Errorf("%w: another resume holds the conversation", ErrBusy)
	}
	return m.runLocked(ctx, conversationID, messageID, opts, release)
}

// runLocked runs the loop under a lock the caller took and releases it
// before announcing a pause.
func (m *Manager) runLocked(ctx context.Context, conversationID, messageID string, opts LoopOptions, release func()) (*LoopResult, error) {
	res, err := m.loop(ctx, conversationID, messageID, opts)
	release()

	if err == nil && res.Paused && m.executor != nil {
		m.executor.NotifyPending(conversationID, messageID)
	}
	return res, err
}

func (m *Manager) loop(ctx context.Context, conversationID, messageID string, opts LoopOptions) (*LoopResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer m.track(conversationID, cancel)()

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != conversationID {
		return nil, fmt.Errorf("message %s is not in conversation %s", messageID, conversationID)
	}
	if msg.Retired() {
		return nil, fmt.Errorf("message %s is %s", messageID, msg.Status)
	}

	if !opts.PreservePendingPermissions {
		if d, ok := m.executor.(pendingDiscarder); ok {
			d.DiscardPending(conversationID)
		}
	}

	m.generating.Create(msg)
	if err := m.SetStatus(ctx, conversationID, types.StatusGenerating); err != nil {
		return nil, err
	}

	log := logging.ForConversation(conversationID, messageID)
	log.Debug().Int("maxSteps", m.maxSteps).Msg("generation loop started")

	for step := 0; ; step++ {
		if step >= m.maxSteps {
			return nil, m.fail(ctx, conv, msg, ErrMaxSteps)
		}

		history := opts.Context
		if step > 0 || history == nil {
			messages, err := m.store.ListMessages(ctx, conversationID)
			if err != nil {
				return nil, m.fail(ctx, conv, msg, err)
			}
			history = BuildContext(conv, messages)
		}

		events, err := m.streamer.StartStreamCompletion(ctx, &provider.CompletionRequest{
			ProviderID: msg.ProviderID,
			Model:      msg.ModelID,
			Messages:   history,
			Tools:      m.toolInfos(),
		})
		if err != nil {
			return nil, m.fail(ctx, conv, msg, &ProviderError{Err: err})
		}

		calls, err := m.processStream(ctx, msg, events)
		if err != nil {
			return nil, m.fail(ctx, conv, msg, err)
		}
		m.generating.Update(msg, "")

		if len(calls) == 0 {
			return m.finish(ctx, msg, step+1)
		}
		if m.executor == nil {
			return nil, m.fail(ctx, conv, msg, errors.New("no tool executor configured"))
		}

		log.Debug().Int("step", step).Int("toolCalls", len(calls)).Msg("executing tool calls")
		outcome, err := m.executor.ExecuteBatch(ctx, conversationID, messageID)
		if err != nil {
			return nil, m.fail(ctx, conv, msg, err)
		}

		fresh, err := m.store.GetMessage(ctx, messageID)
		if err != nil {
			return nil, m.fail(ctx, conv, msg, err)
		}
		msg = fresh

		if outcome.Paused {
			cursor := ""
			if outcome.Pending != nil {
				cursor = outcome.Pending.ToolCallID
			}
			m.generating.Update(msg, cursor)
			log.Info().Str("toolCallID", cursor).Msg("turn paused for permission")
			return &LoopResult{Paused: true, Pending: outcome.Pending, Steps: step + 1}, nil
		}
	}
}

// pendingDiscarder is implemented by executors that queue permission requests.
type pendingDiscarder interface {
	DiscardPending(conversationID string)
}

// ProviderError wraps failures to reach the LLM.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string { return "provider: " + e.Err.Error() }
func (e *ProviderError) Unwrap() error { return e.Err }

func (m *Manager) finish(ctx context.Context, msg *types.Message, steps int) (*LoopResult, error) {
	msg.Status = types.MessageSent
	if err := m.persist(ctx, msg); err != nil {
		return nil, err
	}
	m.generating.Destroy(msg.ID)
	if err := m.SetStatus(ctx, msg.ConversationID, types.StatusIdle); err != nil {
		return nil, err
	}
	log := logging.ForConversation(msg.ConversationID, msg.ID)
	log.Info().Int("steps", steps).Msg("turn finished")
	return &LoopResult{Finished: true, Steps: steps}, nil
}

// fail records err on the message and moves the conversation to the error
// state, or to paused when the turn was aborted.
func (m *Manager) fail(ctx context.Context, conv *types.Conversation, msg *types.Message, cause error) error {
	ctx = context.WithoutCancel(ctx)
	failure := FailureFor(cause)
	status := types.StatusError
	if failure.Name == "Aborted" {
		status = types.StatusPaused
	}

	if msg != nil {
		m.generating.Destroy(msg.ID)
		m.recordFailure(ctx, msg, failure)
	}
	if err := m.SetStatus(ctx, conv.ID, status); err != nil {
		logging.Error().Err(err).Str("conversationID", conv.ID).Msg("failed to set conversation status")
	}

	ev := event.ConversationErrorData{ConversationID: conv.ID, Error: failure}
	if msg != nil {
		ev.MessageID = msg.ID
	}
	m.bus.Publish(event.Event{Type: event.ConversationError, Data: ev})

	logging.Warn().Err(cause).Str("conversationID", conv.ID).Str("failure", failure.Name).Msg("turn failed")
	return cause
}

// recordFailure writes failure to a fresh copy of the message. Tool outcomes
// saved during the batch are kept; text streamed into local is carried over
// since deltas are not persisted as they arrive.
func (m *Manager) recordFailure(ctx context.Context, local *types.Message, failure *types.MessageFailure) {
	log := logging.ForConversation(local.ConversationID, local.ID)
	fresh, err := m.blocks.Mutate(ctx, local.ID, func(msg *types.Message) (bool, error) {
		if msg.Retired() {
			return false, nil
		}
		carryStreamed(msg, local)
		msg.Append(&types.ErrorBlock{ID: types.NewID(), Type: types.BlockError, Content: failure.Message})
		return true, nil
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record message error")
		return
	}
	if fresh.Retired() {
		log.Warn().Str("status", string(fresh.Status)).Msg("message already ended")
		return
	}
	if err := m.store.SetMessageStatus(ctx, fresh.ID, types.MessageError, failure); err != nil {
		log.Error().Err(err).Msg("failed to set message error")
		return
	}
	fresh.Status = types.MessageError
	fresh.Error = failure
	m.publishMessage(fresh)
}

// carryStreamed copies blocks from local that msg has not seen. Text and
// reasoning msg already holds are replaced by the local version; every other
// saved block keeps its stored state.
func carryStreamed(msg, local *types.Message) {
	index := make(map[string]int, len(msg.Content))
	for i, b := range msg.Content {
		index[b.BlockID()] = i
	}
	for _, b := range local.Content {
		i, ok := index[b.BlockID()]
		if !ok {
			msg.Append(b)
			continue
		}
		switch b.(type) {
		case *types.TextBlock, *types.ReasoningBlock:
			msg.Content[i] = b
		}
	}
}

// FailureFor classifies an error into the failure recorded on a message.
func FailureFor(err error) *types.MessageFailure {
	var pe *ProviderError
	switch {
	case errors.Is(err, context.Canceled):
		return &types.MessageFailure{Name: "Aborted", Message: "Generation aborted"}
	case errors.As(err, &pe):
		return &types.MessageFailure{Name: "ProviderError", Message: err.Error()}
	case errors.Is(err, ErrMaxSteps):
		return &types.MessageFailure{Name: "MaxSteps", Message: err.Error()}
	}
	return &types.MessageFailure{Name: "UnknownError", Message: err.Error()}
}

func (m *Manager) persist(ctx context.Context, msg *types.Message) error {
	msg.Touch()
	if err := m.store.PutMessage(ctx, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	m.publishMessage(msg)
	return nil
}

func (m *Manager) toolInfos() []*schema.ToolInfo {
	if m.catalog == nil {
		return nil
	}
	defs := m.catalog.Tools()
	if len(defs) == 0 {
		return nil
	}
	infos := make([]provider.ToolInfo, 0, len(defs))
	for _, d := range defs {
		infos = append(infos, provider.ToolInfo{
			Name:        tool.QualifiedName(d.Server, d.Name),
			Description: d.Description,
			Parameters:  d.InputSchema,
		})
	}
	return provider.ConvertToEinoTools(infos)
}
