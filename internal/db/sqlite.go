package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RichardoC/searchchat/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    conversation_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    tool_calls TEXT NOT NULL DEFAULT '',
    tool_name TEXT NOT NULL DEFAULT '',
    tool_call_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (conversation_id, seq),
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);`

// SQLiteStore keeps conversations in a SQLite database. A single connection is
// used so appends are serialized and ":memory:" databases stay shared.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) History(ctx context.Context, id string) ([]models.Message, error) {
	if _, err := s.Conversation(ctx, id); err != nil {
		return nil, err
	}

	query := `
        SELECT conversation_id, seq, role, content, tool_calls, tool_name, tool_call_id, created_at
        FROM messages
        WHERE conversation_id = ?
        ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			msg       models.Message
			toolCalls string
		)
		err := rows.Scan(&msg.ConvID, &msg.Seq, &msg.Role, &msg.Content, &toolCalls, &msg.ToolName, &msg.ToolCallID, &msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls of message %d: %w", msg.Seq, err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) Append(ctx context.Context, id string, msgs ...models.Message) ([]models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
        INSERT INTO conversations (id, created_at, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`, id, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert conversation: %w", err)
	}

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, id).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to read last sequence: %w", err)
	}

	stored := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		msg = cloneMessage(msg)
		last++
		msg.ConvID = id
		msg.Seq = last
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}

		var toolCalls string
		if len(msg.ToolCalls) > 0 {
			raw, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return nil, fmt.Errorf("failed to encode tool calls: %w", err)
			}
			toolCalls = string(raw)
		}

		_, err := tx.ExecContext(ctx, `
            INSERT INTO messages (conversation_id, seq, role, content, tool_calls, tool_name, tool_call_id, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, msg.Seq, msg.Role, msg.Content, toolCalls, msg.ToolName, msg.ToolCallID, msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to save message: %w", err)
		}
		stored = append(stored, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *SQLiteStore) Conversation(ctx context.Context, id string) (*models.Conversation, error) {
	query := `
        SELECT id, created_at, updated_at,
            (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
        FROM conversations c
        WHERE id = ?`

	var conv models.Conversation
	err := s.db.QueryRowContext(ctx, query, id).Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt, &conv.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

func (s *SQLiteStore) Conversations(ctx context.Context) ([]models.Conversation, error) {
	query := `
        SELECT id, created_at, updated_at,
            (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
        FROM conversations c
        ORDER BY updated_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt, &conv.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
