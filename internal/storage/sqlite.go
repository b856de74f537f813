package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencode-ai/gatekeeper/pkg/types"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements MessageStore on a single SQLite database.
// Message content is kept as a JSON column so block edits are one UPDATE.
type SQLiteStore struct {
	db *sql.DB
}

var _ MessageStore = (*SQLiteStore)(nil)

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteStore{db: db}, nil
}

// Close implements MessageStore.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS conversations (
  id          TEXT PRIMARY KEY,
  title       TEXT NOT NULL DEFAULT '',
  status      TEXT NOT NULL DEFAULT 'idle',
  provider_id TEXT NOT NULL DEFAULT '',
  model_id    TEXT NOT NULL DEFAULT '',
  system      TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL,
  role            TEXT NOT NULL,
  status          TEXT NOT NULL,
  content_json    TEXT NOT NULL DEFAULT '[]',
  meta_json       TEXT NOT NULL DEFAULT '{}',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// messageMeta carries the message fields that have no dedicated column.
type messageMeta struct {
	ParentID   string                `json:"parentId,omitempty"`
	ProviderID string                `json:"providerId,omitempty"`
	ModelID    string                `json:"modelId,omitempty"`
	Tokens     *types.TokenUsage     `json:"tokens,omitempty"`
	Error      *types.MessageFailure `json:"error,omitempty"`
}

const messageColumns = `id, conversation_id, role, status, content_json, meta_json, created_at_unix_ms, updated_at_unix_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var (
		msg         types.Message
		contentJSON string
		metaJSON    string
		updated     int64
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Status, &contentJSON, &metaJSON, &msg.Time.Created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contentJSON), &msg.Content); err != nil {
		return nil, fmt.Errorf("decode content of %s: %w", msg.ID, err)
	}
	var meta messageMeta
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("decode meta of %s: %w", msg.ID, err)
	}
	msg.ParentID = meta.ParentID
	msg.ProviderID = meta.ProviderID
	msg.ModelID = meta.ModelID
	msg.Tokens = meta.Tokens
	msg.Error = meta.Error
	if updated > 0 {
		msg.Time.Updated = &updated
	}
	return &msg, nil
}

// GetMessage implements MessageStore.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return msg, nil
}

// PutMessage implements MessageStore.
func (s *SQLiteStore) PutMessage(ctx context.Context, msg *types.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("message requires id and conversation id")
	}
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	if msg.Content == nil {
		content = []byte("[]")
	}
	meta, err := json.Marshal(messageMeta{
		ParentID:   msg.ParentID,
		ProviderID: msg.ProviderID,
		ModelID:    msg.ModelID,
		Tokens:     msg.Tokens,
		Error:      msg.Error,
	})
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	now := types.NowMillis()
	if msg.Time.Created == 0 {
		msg.Time.Created = now
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO messages(`+messageColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  role = excluded.role,
  status = excluded.status,
  content_json = excluded.content_json,
  meta_json = excluded.meta_json,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, msg.ID, msg.ConversationID, msg.Role, string(msg.Status), string(content), string(meta), msg.Time.Created, now)
	return err
}

// EditMessage implements MessageStore.
func (s *SQLiteStore) EditMessage(ctx context.Context, id string, content json.RawMessage) error {
	if !json.Valid(content) {
		return errors.New("content is not valid JSON")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE messages SET content_json = ?, updated_at_unix_ms = ? WHERE id = ?
`, string(content), types.NowMillis(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "message", id)
}

// SetMessageStatus implements MessageStore.
func (s *SQLiteStore) SetMessageStatus(ctx context.Context, id string, status types.MessageStatus, failure *types.MessageFailure) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var metaJSON string
	if err := tx.QueryRowContext(ctx, `SELECT meta_json FROM messages WHERE id = ?`, id).Scan(&metaJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return err
	}
	var meta messageMeta
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return fmt.Errorf("decode meta of %s: %w", id, err)
	}
	meta.Error = failure
	out, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE messages SET status = ?, meta_json = ?, updated_at_unix_ms = ? WHERE id = ?
`, string(status), string(out), types.NowMillis(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListMessages implements MessageStore.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY id ASC
`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// GetConversation implements MessageStore.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	var c types.Conversation
	err := s.db.QueryRowContext(ctx, `
SELECT id, title, status, provider_id, model_id, system, created_at_unix_ms, updated_at_unix_ms
FROM conversations WHERE id = ?
`, id).Scan(&c.ID, &c.Title, &c.Status, &c.ProviderID, &c.ModelID, &c.System, &c.Time.Created, &c.Time.Updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

// PutConversation implements MessageStore.
func (s *SQLiteStore) PutConversation(ctx context.Context, conv *types.Conversation) error {
	if conv.ID == "" {
		return errors.New("conversation requires id")
	}
	now := types.NowMillis()
	if conv.Time.Created == 0 {
		conv.Time.Created = now
	}
	conv.Time.Updated = now
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(id, title, status, provider_id, model_id, system, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  title = excluded.title,
  status = excluded.status,
  provider_id = excluded.provider_id,
  model_id = excluded.model_id,
  system = excluded.system,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, conv.ID, conv.Title, string(conv.Status), conv.ProviderID, conv.ModelID, conv.System, conv.Time.Created, conv.Time.Updated)
	return err
}

// ListConversations implements MessageStore, most recently updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*types.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, status, provider_id, model_id, system, created_at_unix_ms, updated_at_unix_ms
FROM conversations ORDER BY updated_at_unix_ms DESC, id DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Conversation
	for rows.Next() {
		var c types.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.Status, &c.ProviderID, &c.ModelID, &c.System, &c.Time.Created, &c.Time.Updated); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
