package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// BlockStore reads and writes the permission and tool call blocks embedded
// in a message's content.
type BlockStore struct {
	store storage.MessageStore

	mu    sync.Mutex
	locks map[string]*messageLock
}

type messageLock struct {
	mu   sync.Mutex
	refs int
}

// NewBlockStore creates a block store over the given message store.
func NewBlockStore(store storage.MessageStore) *BlockStore {
	return &BlockStore{store: store, locks: make(map[string]*messageLock)}
}

// lock serializes read-modify-write cycles on one message.
func (s *BlockStore) lock(messageID string) func() {
	s.mu.Lock()
	l, ok := s.locks[messageID]
	if !ok {
		l = &messageLock{}
		s.locks[messageID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, messageID)
		}
		s.mu.Unlock()
	}
}

// Mutate loads a fresh copy of the message, applies fn and persists the
// result when fn reports a change. Concurrent Mutate calls on the same
// message run one at a time, so a change is never lost to a stale copy.
func (s *BlockStore) Mutate(ctx context.Context, messageID string, fn func(msg *types.Message) (bool, error)) (*types.Message, error) {
	unlock := s.lock(messageID)
	defer unlock()

	msg, err := s.Load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	changed, err := fn(msg)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.Persist(ctx, msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// Load fetches a fresh copy of the message.
func (s *BlockStore) Load(ctx context.Context, messageID string) (*types.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", messageID, err)
	}
	return msg, nil
}

// Find returns the permission block governing toolCallID.
func (s *BlockStore) Find(msg *types.Message, toolCallID string) (*types.PermissionBlock, error) {
	pb := msg.Companion(toolCallID)
	if pb == nil {
		return nil, fmt.Errorf("%w: tool call %s in message %s", ErrNotFound, toolCallID, msg.ID)
	}
	return pb, nil
}

// UpdateStatus sets status on every permission block matching pred and
// returns how many changed. Blocks are mutated in place.
func (s *BlockStore) UpdateStatus(msg *types.Message, pred func(*types.PermissionBlock) bool, status types.PermissionStatus) int {
	n := 0
	for _, pb := range msg.PermissionBlocks() {
		if !pred(pb) {
			continue
		}
		pb.Status = status
		n++
	}
	return n
}

// Persist writes the message content through the message store.
func (s *BlockStore) Persist(ctx context.Context, msg *types.Message) error {
	msg.Touch()
	data, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("serialize message %s: %w", msg.ID, err)
	}
	if err := s.store.EditMessage(ctx, msg.ID, data); err != nil {
		return fmt.Errorf("persist message %s: %w", msg.ID, err)
	}
	return nil
}
