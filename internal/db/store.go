// Package db holds the conversation stores. A conversation is an append-only,
// totally ordered log of messages keyed by its checkpoint id.
package db

import (
	"context"
	"errors"

	"github.com/RichardoC/searchchat/internal/models"
)

var ErrNotFound = errors.New("conversation not found")

// Store persists conversation history. Implementations must be safe for
// concurrent use; appends to the same conversation are serialized.
type Store interface {
	// History returns the messages of a conversation in insertion order, or
	// ErrNotFound when the id was never written.
	History(ctx context.Context, id string) ([]models.Message, error)
	// Append adds messages to the end of a conversation, creating it if needed.
	// The returned copies carry the assigned sequence numbers.
	Append(ctx context.Context, id string, msgs ...models.Message) ([]models.Message, error)
	Conversation(ctx context.Context, id string) (*models.Conversation, error)
	// Conversations lists every conversation, most recently updated first.
	Conversations(ctx context.Context) ([]models.Conversation, error)
	Close() error
}

func cloneMessage(msg models.Message) models.Message {
	if msg.ToolCalls != nil {
		calls := make([]models.ToolCall, len(msg.ToolCalls))
		copy(calls, msg.ToolCalls)
		msg.ToolCalls = calls
	}
	return msg
}
