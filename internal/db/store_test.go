package db

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/RichardoC/searchchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestStore_UnknownConversation(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.History(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Conversation(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_AppendKeepsInsertionOrder(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			call := models.ToolCall{ID: "call_1", Name: "tavily_search", Arguments: `{"query":"tokyo weather"}`}

			stored, err := s.Append(ctx, "c1",
				models.UserMessage("weather in Tokyo?"),
				models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}},
			)
			require.NoError(t, err)
			require.Len(t, stored, 2)
			assert.Equal(t, int64(1), stored[0].Seq)
			assert.Equal(t, int64(2), stored[1].Seq)

			_, err = s.Append(ctx, "c1", models.ToolResultMessage(call, `{"results":[]}`))
			require.NoError(t, err)

			history, err := s.History(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, history, 3)
			assert.Equal(t, models.RoleUser, history[0].Role)
			assert.Equal(t, "weather in Tokyo?", history[0].Content)
			assert.Equal(t, []models.ToolCall{call}, history[1].ToolCalls)
			assert.Equal(t, models.RoleTool, history[2].Role)
			assert.Equal(t, "tavily_search", history[2].ToolName)
			assert.Equal(t, "call_1", history[2].ToolCallID)
			for i, msg := range history {
				assert.Equal(t, int64(i+1), msg.Seq)
				assert.Equal(t, "c1", msg.ConvID)
				assert.False(t, msg.CreatedAt.IsZero())
			}

			conv, err := s.Conversation(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, 3, conv.MessageCount)
		})
	}
}

func TestStore_ConversationsAreIndependent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Append(ctx, "a", models.UserMessage("first"))
			require.NoError(t, err)
			_, err = s.Append(ctx, "b", models.UserMessage("second"), models.UserMessage("third"))
			require.NoError(t, err)

			a, err := s.History(ctx, "a")
			require.NoError(t, err)
			assert.Len(t, a, 1)

			convs, err := s.Conversations(ctx)
			require.NoError(t, err)
			require.Len(t, convs, 2)
			counts := map[string]int{}
			for _, c := range convs {
				counts[c.ID] = c.MessageCount
			}
			assert.Equal(t, map[string]int{"a": 1, "b": 2}, counts)
		})
	}
}

func TestStore_ConcurrentAppendsToSameConversation(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const writers = 8
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := s.Append(ctx, "shared", models.UserMessage(fmt.Sprintf("msg %d", i)))
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			history, err := s.History(ctx, "shared")
			require.NoError(t, err)
			require.Len(t, history, writers)
			for i, msg := range history {
				assert.Equal(t, int64(i+1), msg.Seq)
			}
		})
	}
}

func TestMemoryStore_HistoryIsACopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, err := s.Append(ctx, "c", models.Message{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "1", Name: "tavily_search"}},
	})
	require.NoError(t, err)

	history, err := s.History(ctx, "c")
	require.NoError(t, err)
	history[0].ToolCalls[0].Name = "mutated"

	again, err := s.History(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "tavily_search", again[0].ToolCalls[0].Name)
}
