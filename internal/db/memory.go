package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RichardoC/searchchat/internal/models"
)

// MemoryStore keeps conversations in process memory for the life of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*memoryConversation
	now   func() time.Time
}

type memoryConversation struct {
	mu       sync.Mutex
	info     models.Conversation
	messages []models.Message
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		convs: make(map[string]*memoryConversation),
		now:   time.Now,
	}
}

func (s *MemoryStore) lookup(id string) (*memoryConversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	return c, ok
}

func (s *MemoryStore) getOrCreate(id string) *memoryConversation {
	if c, ok := s.lookup(id); ok {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[id]; ok {
		return c
	}
	now := s.now().UTC()
	c := &memoryConversation{
		info: models.Conversation{ID: id, CreatedAt: now, UpdatedAt: now},
	}
	s.convs[id] = c
	return c
}

func (s *MemoryStore) History(ctx context.Context, id string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.messages))
	for i, msg := range c.messages {
		out[i] = cloneMessage(msg)
	}
	return out, nil
}

func (s *MemoryStore) Append(ctx context.Context, id string, msgs ...models.Message) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := s.getOrCreate(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := s.now().UTC()
	stored := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		msg = cloneMessage(msg)
		msg.ConvID = id
		msg.Seq = int64(len(c.messages)) + 1
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		c.messages = append(c.messages, msg)
		stored = append(stored, cloneMessage(msg))
	}
	c.info.UpdatedAt = now
	c.info.MessageCount = len(c.messages)
	return stored, nil
}

func (s *MemoryStore) Conversation(ctx context.Context, id string) (*models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.info
	return &info, nil
}

func (s *MemoryStore) Conversations(ctx context.Context) ([]models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	convs := make([]*memoryConversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, c)
	}
	s.mu.RUnlock()

	out := make([]models.Conversation, 0, len(convs))
	for _, c := range convs {
		c.mu.Lock()
		out = append(out, c.info)
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
