package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/internal/permission"
	"github.com/opencode-ai/gatekeeper/internal/session"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/internal/tool"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// Sessions is the conversation manager a resume drives.
type Sessions interface {
	Get(ctx context.Context, conversationID string) (*types.Conversation, error)
	SetStatus(ctx context.Context, conversationID string, status types.ConversationStatus) error
	StartLoop(ctx context.Context, conversationID, messageID string, opts session.LoopOptions) (*session.LoopResult, error)
	// DiscardGenerating drops the in-flight state of a message that will not
	// be generated further.
	DiscardGenerating(messageID string)
}

// Options tunes the coordinator.
type Options struct {
	// ToolReadyInterval is how often a starting tool runtime is polled.
	ToolReadyInterval time.Duration
	// ToolReadyTimeout bounds the poll; the call proceeds afterwards.
	ToolReadyTimeout time.Duration
	// MaxAutoGrants bounds how often one call is retried with a remembered
	// approval before a human is asked.
	MaxAutoGrants int
}

// DefaultOptions returns the default tuning.
func DefaultOptions() Options {
	return Options{
		ToolReadyInterval: 100 * time.Millisecond,
		ToolReadyTimeout:  5 * time.Second,
		MaxAutoGrants:     3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ToolReadyInterval <= 0 {
		o.ToolReadyInterval = d.ToolReadyInterval
	}
	if o.ToolReadyTimeout < 0 {
		o.ToolReadyTimeout = 0
	}
	if o.MaxAutoGrants <= 0 {
		o.MaxAutoGrants = d.MaxAutoGrants
	}
	return o
}

// ResumeResult reports how a resume attempt ended.
type ResumeResult struct {
	ConversationID string                   `json:"conversationId"`
	MessageID      string                   `json:"messageId"`
	Resumed        bool                     `json:"resumed"`
	Reason         Reason                   `json:"reason"`
	Executed       int                      `json:"executed"`
	Continued      bool                     `json:"continued"`
	Pending        *types.PendingPermission `json:"pending,omitempty"`
}

// DrainItem is a tool call that can run now, with the permission block
// that governs it, if any.
type DrainItem struct {
	Call       *types.ToolCallBlock
	Permission *types.PermissionBlock
}

// Drain returns, in content order, the loading tool calls whose permission
// is resolved or that never needed one.
func Drain(msg *types.Message) []DrainItem {
	var items []DrainItem
	for _, tc := range msg.ToolCalls() {
		if tc.Status != types.ToolCallLoading {
			continue
		}
		pb := msg.Companion(tc.ToolCallID)
		if pb != nil && pb.Pending() {
			continue
		}
		items = append(items, DrainItem{Call: tc, Permission: pb})
	}
	return items
}

// Coordinator executes the unblocked tool calls of a message and continues
// the turn once nothing is left to decide.
type Coordinator struct {
	store     storage.MessageStore
	blocks    *permission.BlockStore
	sessions  Sessions
	tools     tool.Caller
	locks     *LockRegistry
	pending   *permission.PendingRegistry
	approvals *permission.Approvals
	bus       *event.Bus
	cont      *Continuation
	opts      Options

	mu      sync.Mutex
	redrive map[string]string
}

var _ session.BatchExecutor = (*Coordinator)(nil)

// NewCoordinator creates a coordinator from cfg.
func NewCoordinator(cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		store:     cfg.Store,
		blocks:    cfg.Blocks,
		sessions:  cfg.Sessions,
		tools:     cfg.Tools,
		locks:     cfg.Locks,
		pending:   cfg.Pending,
		approvals: cfg.Approvals,
		bus:       cfg.Bus,
		cont:      NewContinuation(cfg.Store, cfg.Sessions),
		opts:      cfg.Options.withDefaults(),
		redrive:   make(map[string]string),
	}
}

// Resume acquires the conversation lock and drives the message. Contention
// is reported in the result, not as an error.
func (c *Coordinator) Resume(ctx context.Context, conversationID, messageID string) (*ResumeResult, error) {
	h, ok := c.locks.Acquire(conversationID, messageID)
	if !ok {
		return &ResumeResult{ConversationID: conversationID, MessageID: messageID, Reason: ReasonContention}, nil
	}
	return c.Drive(ctx, h)
}

// Drive runs the resume state machine under the held lock h:
// validate, drain and execute until nothing is runnable, then either
// continue the turn or wait for the next decision. h is released exactly
// once when Drive returns, before any client is notified or a deferred
// decision is resumed.
func (c *Coordinator) Drive(ctx context.Context, h *LockHandle) (res *ResumeResult, err error) {
	entry := h.Entry()
	convID, msgID := entry.ConversationID, entry.MessageID
	log := logging.ForConversation(convID, msgID)
	res = &ResumeResult{ConversationID: convID, MessageID: msgID}
	notify := false

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("resume panicked: %v", p)
			c.markFailed(ctx, convID, msgID, err)
			res = nil
		}
		h.Release()
		c.afterRelease(convID, msgID, notify)
	}()

	if err := c.validate(ctx, h); err != nil {
		switch {
		case errors.Is(err, ErrStaleLock):
			log.Warn().Err(err).Msg("abandoning resume")
			res.Reason = ReasonStaleLock
			return res, nil
		case errors.Is(err, ErrNotResumable):
			log.Info().Err(err).Msg("skipping resume")
			res.Reason = ReasonNotResumable
			return res, nil
		}
		c.markFailed(ctx, convID, msgID, err)
		return nil, err
	}
	res.Resumed = true

	// Decisions that land while tools run are picked up by the next drain.
	for {
		outcome, err := c.ExecuteBatch(ctx, convID, msgID)
		if err != nil {
			c.markFailed(ctx, convID, msgID, err)
			return nil, err
		}
		res.Executed += outcome.Executed
		if outcome.Paused {
			res.Reason = ReasonPaused
			res.Pending = outcome.Pending
			notify = true
			return res, nil
		}
		if outcome.Executed == 0 {
			break
		}
	}

	msg, err := c.blocks.Load(ctx, msgID)
	if err != nil {
		c.markFailed(ctx, convID, msgID, err)
		return nil, err
	}
	if msg.HasPendingPermission() {
		c.pending.Sync(msg)
		if err := c.sessions.SetStatus(ctx, convID, types.StatusWaitingPermission); err != nil {
			c.markFailed(ctx, convID, msgID, err)
			return nil, err
		}
		res.Reason = ReasonMorePending
		notify = true
		return res, nil
	}

	loop, err := c.cont.Continue(ctx, convID, msgID)
	if err != nil {
		c.markFailed(ctx, convID, msgID, err)
		return nil, err
	}
	res.Continued = true
	res.Reason = ReasonCompleted
	if loop.Paused {
		res.Reason = ReasonPaused
		res.Pending = loop.Pending
		notify = true
	}
	log.Info().Int("executed", res.Executed).Str("reason", string(res.Reason)).Msg("resume finished")
	return res, nil
}

func (c *Coordinator) validate(ctx context.Context, h *LockHandle) error {
	entry := h.Entry()
	cur, ok := c.locks.Peek(entry.ConversationID)
	if !ok || cur.MessageID != entry.MessageID || !h.Held() {
		return fmt.Errorf("%w: conversation %s, expected message %s", ErrStaleLock, entry.ConversationID, entry.MessageID)
	}

	conv, err := c.sessions.Get(ctx, entry.ConversationID)
	if err != nil {
		return fmt.Errorf("conversation %s: %w", entry.ConversationID, err)
	}
	if !conv.Status.Resumable() {
		return fmt.Errorf("%w: status %s", ErrNotResumable, conv.Status)
	}

	msg, err := c.blocks.Load(ctx, entry.MessageID)
	if err != nil {
		return err
	}
	if msg.ConversationID != entry.ConversationID {
		return fmt.Errorf("%w: message %s is not in conversation %s", storage.ErrNotFound, msg.ID, entry.ConversationID)
	}
	if msg.Retired() {
		return fmt.Errorf("%w: message %s is %s", ErrNotResumable, msg.ID, msg.Status)
	}
	return nil
}

// ExecuteBatch implements session.BatchExecutor. It drains the message and
// runs each item in order, stopping at the first new permission request.
// The caller holds the conversation lock.
func (c *Coordinator) ExecuteBatch(ctx context.Context, conversationID, messageID string) (*session.BatchOutcome, error) {
	msg, err := c.blocks.Load(ctx, messageID)
	if err != nil {
		return nil, err
	}

	out := &session.BatchOutcome{}
	for _, item := range Drain(msg) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		pending, err := c.execute(ctx, msg, item)
		if err != nil {
			return out, err
		}
		out.Executed++
		if pending != nil {
			out.Paused = true
			out.Pending = pending
			return out, nil
		}
	}
	return out, nil
}

// execute runs one drained item. Tool failures become error outcomes; only
// persistence failures are returned.
func (c *Coordinator) execute(ctx context.Context, msg *types.Message, item DrainItem) (*types.PendingPermission, error) {
	block := item.Call
	log := logging.ForConversation(msg.ConversationID, msg.ID).With().
		Str("toolCallID", block.ToolCallID).
		Str("tool", block.ToolName).
		Logger()

	if item.Permission != nil && item.Permission.Status == types.PermissionDenied {
		denied := &permission.DeniedError{
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			ToolCallID:     block.ToolCallID,
			PermissionType: item.Permission.PermissionType,
		}
		log.Info().Err(denied).Str("permissionType", string(denied.PermissionType)).Msg("tool call denied")
		return nil, c.complete(ctx, msg.ID, block.ToolCallID, types.ToolCallError, denied.Error())
	}

	if block.Params != "" && !json.Valid([]byte(block.Params)) {
		return nil, c.complete(ctx, msg.ID, block.ToolCallID, types.ToolCallError, "Error: tool arguments are not valid JSON")
	}

	call := tool.Call{
		ID:             block.ToolCallID,
		Name:           block.ToolName,
		Server:         block.ServerName,
		Arguments:      json.RawMessage(block.Params),
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	}
	if item.Permission != nil && item.Permission.Status == types.PermissionGranted {
		call.Approval = approvalFor(item.Permission)
	}

	for attempt := 0; ; attempt++ {
		c.waitReady(ctx, call.Server)

		start := time.Now()
		resp, err := c.invoke(ctx, call)
		if err != nil {
			log.Warn().Err(err).Msg("tool call failed")
			return nil, c.complete(ctx, msg.ID, block.ToolCallID, types.ToolCallError, "Error: "+err.Error())
		}
		log.Debug().Dur("took", time.Since(start)).Bool("needsPermission", resp.NeedsPermission()).Msg("tool returned")

		if !resp.NeedsPermission() {
			status := types.ToolCallSuccess
			if resp.IsError {
				status = types.ToolCallError
			}
			return nil, c.complete(ctx, msg.ID, block.ToolCallID, status, resp.Content)
		}

		req := resp.RawData.PermissionRequest
		if req == nil || !req.PermissionType.Valid() {
			return nil, c.complete(ctx, msg.ID, block.ToolCallID, types.ToolCallError, "Error: tool asked for permission without a valid request")
		}
		r := *req
		if r.ServerName == "" {
			r.ServerName = call.Server
		}
		if r.ToolName == "" {
			r.ToolName = call.Name
		}

		if attempt < c.opts.MaxAutoGrants {
			if granted, ok := c.autoGrant(msg.ConversationID, &r); ok {
				pb, err := c.appendPermission(ctx, msg.ID, call.ID, &r, types.PermissionGranted, granted)
				if err != nil {
					return nil, err
				}
				log.Info().Str("permissionType", string(r.PermissionType)).Msg("permission granted from remembered approval")
				call.Approval = approvalFor(pb)
				continue
			}
		}

		return c.requestPermission(ctx, msg.ID, call.ID, &r)
	}
}

func approvalFor(pb *types.PermissionBlock) *tool.Approval {
	granted := pb.GrantedPermissions
	if len(granted) == 0 {
		granted = permission.Implied(pb.PermissionType)
	}
	return &tool.Approval{PermissionType: pb.PermissionType, Granted: granted}
}

func (c *Coordinator) autoGrant(conversationID string, req *types.PermissionRequest) (types.PermissionType, bool) {
	if c.approvals == nil {
		return "", false
	}
	return c.approvals.Check(conversationID, req.ServerName, req)
}

// invoke calls the tool, converting a panic into an error.
func (c *Coordinator) invoke(ctx context.Context, call tool.Call) (resp *tool.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	resp, err = c.tools.CallTool(ctx, call)
	if err == nil && resp == nil {
		resp = &tool.Response{}
	}
	return resp, err
}

var errNotReady = errors.New("tool runtime not ready")

// waitReady polls the tool runtime at a fixed interval until it is ready
// or the timeout passes. It never fails.
func (c *Coordinator) waitReady(ctx context.Context, server string) {
	rc, ok := c.tools.(tool.ReadinessChecker)
	if !ok || rc.Ready(server) {
		return
	}

	retries := uint64(c.opts.ToolReadyTimeout / c.opts.ToolReadyInterval)
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.ToolReadyInterval), retries), ctx)
	start := time.Now()
	err := backoff.Retry(func() error {
		if rc.Ready(server) {
			return nil
		}
		return errNotReady
	}, b)
	if err != nil {
		logging.Warn().Str("server", server).Dur("waited", time.Since(start)).Msg("tool runtime not ready, proceeding")
	}
}

// complete records a tool outcome. A call that already has an outcome is
// left untouched.
func (c *Coordinator) complete(ctx context.Context, messageID, toolCallID string, status types.ToolCallStatus, content string) error {
	var updated *types.ToolCallBlock
	msg, err := c.blocks.Mutate(ctx, messageID, func(msg *types.Message) (bool, error) {
		tc := msg.ToolCall(toolCallID)
		if tc == nil {
			return false, fmt.Errorf("%w: tool call %s", permission.ErrNotFound, toolCallID)
		}
		if tc.Done() {
			return false, nil
		}
		now := types.NowMillis()
		tc.Status = status
		tc.Response = &content
		tc.Time.End = &now
		updated = tc
		return true, nil
	})
	if err != nil {
		return err
	}
	if updated != nil {
		c.publishBlock(msg, updated)
	}
	return nil
}

func (c *Coordinator) appendPermission(ctx context.Context, messageID, toolCallID string, req *types.PermissionRequest, status types.PermissionStatus, granted types.PermissionType) (*types.PermissionBlock, error) {
	now := types.NowMillis()
	pb := &types.PermissionBlock{
		ID:              types.NewID(),
		Type:            types.BlockPermission,
		ToolCallID:      toolCallID,
		ToolName:        req.ToolName,
		ServerName:      req.ServerName,
		PermissionType:  req.PermissionType,
		Status:          status,
		Description:     req.Description,
		Payload:         req.Payload,
		NeedsUserAction: status == types.PermissionPending,
		Time:            types.BlockTime{Start: &now},
	}
	if status != types.PermissionPending {
		pb.ResolvedAt = &now
		if granted != types.PermissionCommand {
			pb.GrantedPermissions = permission.Implied(granted)
		}
	}

	msg, err := c.blocks.Mutate(ctx, messageID, func(msg *types.Message) (bool, error) {
		if msg.ToolCall(toolCallID) == nil {
			return false, fmt.Errorf("%w: tool call %s", permission.ErrNotFound, toolCallID)
		}
		msg.Append(pb)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	c.publishBlock(msg, pb)
	return pb, nil
}

// requestPermission records a new pending block for the call, queues it and
// moves the conversation to waiting_permission.
func (c *Coordinator) requestPermission(ctx context.Context, messageID, toolCallID string, req *types.PermissionRequest) (*types.PendingPermission, error) {
	pb, err := c.appendPermission(ctx, messageID, toolCallID, req, types.PermissionPending, "")
	if err != nil {
		return nil, err
	}
	msg, err := c.blocks.Load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	p := permission.FromBlock(msg, pb)
	c.pending.Add(p)

	if err := c.sessions.SetStatus(ctx, msg.ConversationID, types.StatusWaitingPermission); err != nil {
		return nil, err
	}
	log := logging.ForConversation(msg.ConversationID, msg.ID)
	log.Info().
		Str("toolCallID", toolCallID).
		Str("permissionType", string(req.PermissionType)).
		Msg("tool requires permission")
	return &p, nil
}

// NotifyPending implements session.BatchExecutor.
func (c *Coordinator) NotifyPending(conversationID, messageID string) {
	c.afterRelease(conversationID, messageID, true)
}

// deferRedrive records that a decision for messageID was turned away by
// the lock. The owner resumes it after releasing.
func (c *Coordinator) deferRedrive(conversationID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redrive[conversationID] = messageID
}

// clearRedrive drops the deferred decision for messageID. A decision deferred
// for another message is kept.
func (c *Coordinator) clearRedrive(conversationID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.redrive[conversationID] == messageID {
		delete(c.redrive, conversationID)
	}
}

func (c *Coordinator) takeRedrive(conversationID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.redrive[conversationID]
	delete(c.redrive, conversationID)
	return id, ok
}

// afterRelease runs once a lock owner has released. A deferred decision is
// resumed; otherwise clients are told what to ask next.
func (c *Coordinator) afterRelease(conversationID, messageID string, notify bool) {
	if id, ok := c.takeRedrive(conversationID); ok {
		log := logging.ForConversation(conversationID, id)
		log.Info().Msg("resuming decision made while locked")
		if _, err := c.Resume(context.Background(), conversationID, id); err != nil {
			log.Warn().Err(err).Msg("deferred resume failed")
		}
		return
	}
	if notify {
		c.publishPending(conversationID, messageID)
	}
}

func (c *Coordinator) publishPending(conversationID, messageID string) {
	data := event.PermissionUpdatedData{
		ConversationID: conversationID,
		MessageID:      messageID,
		PendingCount:   c.pending.Count(conversationID),
	}
	if next, ok := c.pending.Next(conversationID); ok {
		data.Next = &next
		c.bus.Publish(event.Event{
			Type: event.PermissionRequired,
			Data: event.PermissionRequiredData{Permission: next},
		})
	}
	c.bus.Publish(event.Event{Type: event.PermissionUpdated, Data: data})
}

// DiscardPending drops a conversation's queued requests when a new turn
// starts.
func (c *Coordinator) DiscardPending(conversationID string) {
	c.pending.Clear(conversationID)
}

func (c *Coordinator) publishBlock(msg *types.Message, b types.Block) {
	c.bus.Publish(event.Event{
		Type: event.BlockUpdated,
		Data: event.BlockUpdatedData{ConversationID: msg.ConversationID, MessageID: msg.ID, Block: b},
	})
}

// markFailed writes a resume failure to the message and the conversation.
func (c *Coordinator) markFailed(ctx context.Context, conversationID, messageID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	failure := failureFor(cause)
	log := logging.ForConversation(conversationID, messageID)
	c.sessions.DiscardGenerating(messageID)

	// A turn that already ended keeps its own outcome.
	recorded := false
	_, err := c.blocks.Mutate(ctx, messageID, func(msg *types.Message) (bool, error) {
		if msg.Retired() {
			recorded = true
			return false, nil
		}
		msg.Append(&types.ErrorBlock{ID: types.NewID(), Type: types.BlockError, Content: failure.Message})
		return true, nil
	})
	if recorded {
		log.Warn().Err(cause).Msg("resume failed after the turn ended")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to record resume error")
	} else if err := c.store.SetMessageStatus(ctx, messageID, types.MessageError, failure); err != nil {
		log.Error().Err(err).Msg("failed to set message error")
	}

	status := types.StatusError
	if failure.Name == "Aborted" {
		status = types.StatusPaused
	}
	if err := c.sessions.SetStatus(ctx, conversationID, status); err != nil {
		log.Error().Err(err).Msg("failed to set conversation status")
	}
	c.bus.Publish(event.Event{
		Type: event.ConversationError,
		Data: event.ConversationErrorData{ConversationID: conversationID, MessageID: messageID, Error: failure},
	})
	log.Error().Err(cause).Str("failure", failure.Name).Msg("resume failed")
}

func failureFor(err error) *types.MessageFailure {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, permission.ErrNotFound):
		return &types.MessageFailure{Name: "NotFound", Message: err.Error()}
	case errors.Is(err, ErrStaleLock):
		return &types.MessageFailure{Name: "StaleLock", Message: err.Error()}
	}
	return session.FailureFor(err)
}
