package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"molva/internal/models"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SqliteStore is the relational durable-store adapter. It mirrors the table
// shapes of the hosted store the engine syncs against.
type SqliteStore struct {
	db   *sql.DB
	feed *feed
}

func NewSqliteStore(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=1000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SqliteStore{db: db, feed: newFeed()}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		participants TEXT NOT NULL,
		is_group INTEGER NOT NULL DEFAULT 0,
		admin_id TEXT NOT NULL DEFAULT '',
		group_name TEXT NOT NULL DEFAULT '',
		group_image TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT 'text',
		kind TEXT NOT NULL DEFAULT 'normal',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, created_at, id);

	CREATE TABLE IF NOT EXISTS read_checkpoints (
		conversation_id TEXT NOT NULL,
		reader_id TEXT NOT NULL,
		read_at INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, reader_id)
	);`

	_, err := db.Exec(schema)
	return err
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func (s *SqliteStore) Insert(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.ConversationID == "" {
		return models.Message{}, errors.New("message missing conversationID")
	}

	msg.ID = uuid.NewString()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Kind == "" {
		msg.Kind = models.MessageKindNormal
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, content_type, kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content,
		string(msg.ContentType), string(msg.Kind), msg.CreatedAt.UnixNano())
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}

	s.feed.publish(msg)
	return msg, nil
}

func (s *SqliteStore) QueryHistory(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, content, content_type, kind, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var contentType, kind string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content,
			&contentType, &kind, &createdAt); err != nil {
			return nil, err
		}
		m.ContentType = models.ContentType(contentType)
		m.Kind = models.MessageKind(kind)
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SqliteStore) SubscribeToInserts(conversationID string, fn InsertHandler) func() {
	return s.feed.subscribe(conversationID, fn)
}

func (s *SqliteStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	var participants string
	var createdAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, participants, is_group, admin_id, group_name, group_image, created_at
		 FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &participants, &conv.IsGroup, &conv.AdminID,
			&conv.GroupName, &conv.GroupImage, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}

	if err := json.Unmarshal([]byte(participants), &conv.Participants); err != nil {
		return models.Conversation{}, fmt.Errorf("corrupt participants for conversation %s: %w", id, err)
	}
	conv.CreatedAt = time.Unix(0, createdAt).UTC()
	return conv, nil
}

func (s *SqliteStore) UpsertConversation(ctx context.Context, conv models.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	participants, err := json.Marshal(conv.Participants)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, participants, is_group, admin_id, group_name, group_image, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			is_group = excluded.is_group,
			admin_id = excluded.admin_id,
			group_name = excluded.group_name,
			group_image = excluded.group_image`,
		conv.ID, string(participants), conv.IsGroup, conv.AdminID,
		conv.GroupName, conv.GroupImage, conv.CreatedAt.UnixNano())
	return err
}

func (s *SqliteStore) MarkConversationRead(ctx context.Context, conversationID, userID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var since int64
	err = tx.QueryRowContext(ctx,
		`SELECT read_at FROM read_checkpoints WHERE conversation_id = ? AND reader_id = ?`,
		conversationID, userID).Scan(&since)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE conversation_id = ? AND sender_id != ? AND created_at > ?`,
		conversationID, userID, since).Scan(&count)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO read_checkpoints (conversation_id, reader_id, read_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id, reader_id) DO UPDATE SET read_at = excluded.read_at`,
		conversationID, userID, now.UnixNano())
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SqliteStore) ReadCheckpoints(ctx context.Context, conversationID string) ([]models.ReadCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, reader_id, read_at
		 FROM read_checkpoints WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []models.ReadCheckpoint
	for rows.Next() {
		var cp models.ReadCheckpoint
		var readAt int64
		if err := rows.Scan(&cp.ConversationID, &cp.ReaderID, &readAt); err != nil {
			return nil, err
		}
		cp.ReadAt = time.Unix(0, readAt).UTC()
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}
