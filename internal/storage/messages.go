package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// MessageStore is the persistence contract the resume engine relies on.
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*types.Message, error)
	PutMessage(ctx context.Context, msg *types.Message) error
	// EditMessage replaces the serialized content of an existing message.
	EditMessage(ctx context.Context, id string, content json.RawMessage) error
	SetMessageStatus(ctx context.Context, id string, status types.MessageStatus, failure *types.MessageFailure) error
	ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error)

	GetConversation(ctx context.Context, id string) (*types.Conversation, error)
	PutConversation(ctx context.Context, conv *types.Conversation) error
	ListConversations(ctx context.Context) ([]*types.Conversation, error)

	Close() error
}

// FileStore implements MessageStore on a Tree with the layout
//
//	conversation/<conversationID>.json
//	message/<conversationID>/<messageID>.json
//	index/message/<messageID>.json
type FileStore struct {
	tree *Tree
}

type messageIndex struct {
	ConversationID string `json:"conversationId"`
}

var _ MessageStore = (*FileStore)(nil)

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{tree: NewTree(dir)}
}

func (s *FileStore) messageKey(ctx context.Context, id string) ([]string, error) {
	var idx messageIndex
	if err := s.tree.Read(ctx, []string{"index", "message", id}, &idx); err != nil {
		return nil, err
	}
	return []string{"message", idx.ConversationID, id}, nil
}

// GetMessage implements MessageStore.
func (s *FileStore) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	key, err := s.messageKey(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	var msg types.Message
	if err := s.tree.Read(ctx, key, &msg); err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	return &msg, nil
}

// PutMessage implements MessageStore.
func (s *FileStore) PutMessage(ctx context.Context, msg *types.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("message requires id and conversation id")
	}
	if err := s.tree.Write(ctx, []string{"index", "message", msg.ID}, messageIndex{ConversationID: msg.ConversationID}); err != nil {
		return err
	}
	return s.tree.Write(ctx, []string{"message", msg.ConversationID, msg.ID}, msg)
}

// EditMessage implements MessageStore.
func (s *FileStore) EditMessage(ctx context.Context, id string, content json.RawMessage) error {
	var blocks types.Blocks
	if err := json.Unmarshal(content, &blocks); err != nil {
		return fmt.Errorf("decode content: %w", err)
	}
	return s.update(ctx, id, func(msg *types.Message) {
		msg.Content = blocks
	})
}

// SetMessageStatus implements MessageStore.
func (s *FileStore) SetMessageStatus(ctx context.Context, id string, status types.MessageStatus, failure *types.MessageFailure) error {
	return s.update(ctx, id, func(msg *types.Message) {
		msg.Status = status
		msg.Error = failure
	})
}

func (s *FileStore) update(ctx context.Context, id string, fn func(*types.Message)) error {
	key, err := s.messageKey(ctx, id)
	if err != nil {
		return fmt.Errorf("message %s: %w", id, err)
	}
	var msg types.Message
	err = s.tree.Update(ctx, key, &msg, func() error {
		fn(&msg)
		msg.Touch()
		return nil
	})
	if err != nil {
		return fmt.Errorf("message %s: %w", id, err)
	}
	return nil
}

// ListMessages implements MessageStore. Messages are ordered by id, which is
// creation order for ULIDs.
func (s *FileStore) ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	ids, err := s.tree.Keys(ctx, []string{"message", conversationID})
	if err != nil {
		return nil, err
	}
	out := make([]*types.Message, 0, len(ids))
	for _, id := range ids {
		var msg types.Message
		if err := s.tree.Read(ctx, []string{"message", conversationID, id}, &msg); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &msg)
	}
	return out, nil
}

// GetConversation implements MessageStore.
func (s *FileStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	var conv types.Conversation
	if err := s.tree.Read(ctx, []string{"conversation", id}, &conv); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", id, err)
	}
	return &conv, nil
}

// PutConversation implements MessageStore.
func (s *FileStore) PutConversation(ctx context.Context, conv *types.Conversation) error {
	if conv.ID == "" {
		return errors.New("conversation requires id")
	}
	now := types.NowMillis()
	if conv.Time.Created == 0 {
		conv.Time.Created = now
	}
	conv.Time.Updated = now
	return s.tree.Write(ctx, []string{"conversation", conv.ID}, conv)
}

// ListConversations implements MessageStore, most recently updated first.
func (s *FileStore) ListConversations(ctx context.Context) ([]*types.Conversation, error) {
	ids, err := s.tree.Keys(ctx, []string{"conversation"})
	if err != nil {
		return nil, err
	}
	out := make([]*types.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, conv)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time.Updated > out[j].Time.Updated
	})
	return out, nil
}

// Close implements MessageStore.
func (s *FileStore) Close() error { return nil }
