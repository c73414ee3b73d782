package llm

import (
	"fmt"

	"github.com/RichardoC/searchchat/internal/models"
	"github.com/pkoukk/tiktoken-go"
)

// per-message overhead of the chat format
const messageOverhead = 4

type Counter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named BPE encoding, e.g. "cl100k_base".
func NewTiktokenCounter(encoding string) (Counter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer %q: %w", encoding, err)
	}
	return &tiktokenCounter{enc: enc}, nil
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// Window keeps the most recent messages that fit in a token budget.
type Window struct {
	budget  int
	counter Counter
}

func NewWindow(budget int, counter Counter) *Window {
	return &Window{budget: budget, counter: counter}
}

// Apply returns the longest suffix of history within the budget. The last
// message is always kept, and the suffix never starts with a tool result.
func (w *Window) Apply(history []models.Message) []models.Message {
	if len(history) == 0 {
		return history
	}

	start := len(history) - 1
	used := w.cost(history[start])
	for i := start - 1; i >= 0; i-- {
		c := w.cost(history[i])
		if used+c > w.budget {
			break
		}
		used += c
		start = i
	}

	for start < len(history)-1 && history[start].Role == models.RoleTool {
		start++
	}
	return history[start:]
}

func (w *Window) cost(msg models.Message) int {
	n := messageOverhead + w.counter.Count(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += w.counter.Count(tc.Name) + w.counter.Count(tc.Arguments)
	}
	return n
}
