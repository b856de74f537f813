package resume

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/internal/permission"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// PermissionResponse is a human decision as received from a client.
type PermissionResponse struct {
	ConversationID string               `json:"conversationId,omitempty"`
	MessageID      string               `json:"messageId"`
	ToolCallID     string               `json:"toolCallId"`
	Granted        bool                 `json:"granted"`
	PermissionType types.PermissionType `json:"permissionType,omitempty"`
	// Remember keeps a grant for the rest of the conversation and, for
	// commands, persists the signature.
	Remember bool `json:"remember,omitempty"`
}

// Validate checks the fields every response needs.
func (r PermissionResponse) Validate() error {
	if r.MessageID == "" || r.ToolCallID == "" {
		return errors.New("messageId and toolCallId are required")
	}
	if r.PermissionType != "" {
		return permission.ValidateType(r.PermissionType)
	}
	return nil
}

// Service is the entry point for permission decisions and startup recovery.
type Service struct {
	store     storage.MessageStore
	blocks    *permission.BlockStore
	gate      *permission.Gate
	coord     *Coordinator
	locks     *LockRegistry
	pending   *permission.PendingRegistry
	approvals *permission.Approvals
	bus       *event.Bus

	wg sync.WaitGroup
}

// NewService wires a gate and a coordinator over the same block store.
func NewService(cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		store:     cfg.Store,
		blocks:    cfg.Blocks,
		gate:      permission.NewGate(cfg.Blocks),
		coord:     NewCoordinator(cfg),
		locks:     cfg.Locks,
		pending:   cfg.Pending,
		approvals: cfg.Approvals,
		bus:       cfg.Bus,
	}
}

// Coordinator returns the coordinator, which is also the session manager's
// batch executor.
func (s *Service) Coordinator() *Coordinator { return s.coord }

// Blocks returns the block store shared by every writer of the service's
// messages.
func (s *Service) Blocks() *permission.BlockStore { return s.blocks }

// Locks returns the conversation lock registry.
func (s *Service) Locks() *LockRegistry { return s.locks }

// Pending returns the queued permission requests of a conversation.
func (s *Service) Pending(conversationID string) []types.PendingPermission {
	return s.pending.List(conversationID)
}

// Ticket tracks a resume started in the background.
type Ticket struct {
	Evaluation *permission.Evaluation

	done   chan struct{}
	result *ResumeResult
	err    error
}

func newTicket(eval *permission.Evaluation) *Ticket {
	return &Ticket{Evaluation: eval, done: make(chan struct{})}
}

func settledTicket(eval *permission.Evaluation, res *ResumeResult) *Ticket {
	t := newTicket(eval)
	t.finish(res, nil)
	return t
}

func (t *Ticket) finish(res *ResumeResult, err error) {
	t.result, t.err = res, err
	close(t.done)
}

// Done is closed when the resume has finished.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the resume finishes or ctx is done. Cancelling ctx does
// not stop the resume.
func (t *Ticket) Wait(ctx context.Context) (*ResumeResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandlePermissionResponse applies a decision and waits for the resume it
// triggers.
func (s *Service) HandlePermissionResponse(ctx context.Context, r PermissionResponse) (*ResumeResult, error) {
	t, err := s.Respond(ctx, r)
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx)
}

// Respond applies a decision and starts the resume in the background. A
// decision that changes nothing, or that arrives while another resume holds
// the conversation, settles immediately without resuming.
func (s *Service) Respond(ctx context.Context, r PermissionResponse) (*Ticket, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	eval, err := s.gate.Evaluate(ctx, permission.Decision{
		ConversationID: r.ConversationID,
		MessageID:      r.MessageID,
		ToolCallID:     r.ToolCallID,
		Granted:        r.Granted,
		PermissionType: r.PermissionType,
	})
	if errors.Is(err, permission.ErrMessageRetired) {
		// The turn already finished; every decision on it is final.
		return settledTicket(nil, &ResumeResult{
			ConversationID: r.ConversationID,
			MessageID:      r.MessageID,
			Reason:         ReasonAlreadyResolved,
		}), nil
	}
	if err != nil {
		return nil, err
	}

	convID := eval.Message.ConversationID
	log := logging.ForConversation(convID, r.MessageID)
	s.pending.Remove(convID, r.MessageID, r.ToolCallID)

	base := &ResumeResult{ConversationID: convID, MessageID: r.MessageID}
	if eval.UpdatedCount == 0 {
		log.Debug().Str("toolCallID", r.ToolCallID).Msg("decision already applied")
		base.Reason = ReasonAlreadyResolved
		return settledTicket(eval, base), nil
	}
	if r.Granted {
		s.rememberGrant(convID, eval.Anchor, r)
	}

	h, ok := s.locks.Acquire(convID, r.MessageID)
	if !ok {
		// The owner resumes the decision after it releases; retry once in
		// case it released before the flag was set.
		s.coord.deferRedrive(convID, r.MessageID)
		if h, ok = s.locks.Acquire(convID, r.MessageID); !ok {
			log.Debug().Msg("resume already in progress")
			base.Reason = ReasonContention
			return settledTicket(eval, base), nil
		}
		s.coord.clearRedrive(convID, r.MessageID)
	}

	t := newTicket(eval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.coord.Drive(context.WithoutCancel(ctx), h)
		t.finish(res, err)
	}()
	return t, nil
}

func (s *Service) rememberGrant(conversationID string, anchor *types.PermissionBlock, r PermissionResponse) {
	if s.approvals == nil {
		return
	}
	log := logging.ForConversation(conversationID, r.MessageID)

	if anchor.PermissionType == types.PermissionCommand {
		cmd, err := permission.CommandFromPayload(anchor.Payload)
		if err != nil {
			return
		}
		sig, err := permission.CommandSignature(cmd)
		if err != nil {
			log.Warn().Err(err).Msg("cannot derive command signature")
			return
		}
		if err := s.approvals.Approve(conversationID, sig, r.Remember); err != nil {
			log.Error().Err(err).Msg("failed to save command approval")
		}
		return
	}

	if !r.Remember {
		return
	}
	granted := r.PermissionType
	if granted == "" {
		granted = anchor.PermissionType
	}
	g := permission.ServerGrant{
		Server: anchor.ServerName,
		Type:   granted,
		Paths:  permission.PathsFromPayload(anchor.Payload),
	}
	if err := s.approvals.GrantServer(conversationID, g, false); err != nil {
		log.Error().Err(err).Msg("failed to remember grant")
	}
}

// Recover re-drives a message whose resume was interrupted, for example by
// a restart. It rebuilds the pending queue from the persisted blocks.
func (s *Service) Recover(ctx context.Context, conversationID, messageID string) (*ResumeResult, error) {
	msg, err := s.blocks.Load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != conversationID {
		return nil, fmt.Errorf("%w: message %s is not in conversation %s", storage.ErrNotFound, messageID, conversationID)
	}
	res := &ResumeResult{ConversationID: conversationID, MessageID: messageID}
	if msg.Retired() {
		res.Reason = ReasonNotResumable
		return res, nil
	}

	s.pending.Sync(msg)
	if len(Drain(msg)) == 0 && msg.HasPendingPermission() {
		s.coord.NotifyPending(conversationID, messageID)
		res.Reason = ReasonMorePending
		return res, nil
	}

	h, ok := s.locks.Acquire(conversationID, messageID)
	if !ok {
		return nil, ErrLockContention
	}
	return s.coord.Drive(ctx, h)
}

// RecoverAll recovers the latest assistant message of every conversation
// that was generating or waiting for permission.
func (s *Service) RecoverAll(ctx context.Context) (int, error) {
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, conv := range convs {
		if !conv.Status.Resumable() {
			continue
		}
		msg, err := s.latestAssistant(ctx, conv.ID)
		if err != nil {
			logging.Warn().Err(err).Str("conversationID", conv.ID).Msg("skipping recovery")
			continue
		}
		if msg == nil {
			continue
		}
		res, err := s.Recover(ctx, conv.ID, msg.ID)
		if err != nil {
			logging.Warn().Err(err).Str("conversationID", conv.ID).Msg("recovery failed")
			continue
		}
		if res.Resumed {
			n++
		}
	}
	return n, nil
}

func (s *Service) latestAssistant(ctx context.Context, conversationID string) (*types.Message, error) {
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" {
			return msgs[i], nil
		}
	}
	return nil, nil
}

// Close waits for background resumes to finish.
func (s *Service) Close() {
	s.wg.Wait()
}
