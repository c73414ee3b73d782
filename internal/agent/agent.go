// Package agent runs the decision loop: the model is asked for a turn, any
// requested tools are executed, and the model is asked again until it answers
// without tool calls. Progress is reported as a stream of raw events.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/RichardoC/searchchat/internal/db"
	"github.com/RichardoC/searchchat/internal/llm"
	"github.com/RichardoC/searchchat/internal/models"
	"go.uber.org/zap"
)

var ErrIterationLimit = errors.New("agent: iteration limit reached without a final answer")

type Model interface {
	Generate(ctx context.Context, history []models.Message, onChunk llm.ChunkFunc) (models.Message, error)
}

type ToolRunner interface {
	Invoke(ctx context.Context, calls []models.ToolCall) ([]models.Message, error)
}

const defaultMaxIterations = 25

type Agent struct {
	store         db.Store
	model         Model
	tools         ToolRunner
	maxIterations int
	logger        *zap.Logger
}

type Option func(*Agent)

// WithMaxIterations bounds the number of model turns per request.
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

func New(store db.Store, model Model, tools ToolRunner, opts ...Option) *Agent {
	a := &Agent{
		store:         store,
		model:         model,
		tools:         tools,
		maxIterations: defaultMaxIterations,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run appends the user message to the conversation and starts the loop in a
// new goroutine. An unknown conversation id starts an empty conversation under
// that id. The returned channel is unbuffered and closed when the loop ends;
// cancelling ctx abandons the loop. A non-nil error means the loop never started.
func (a *Agent) Run(ctx context.Context, conversationID, message string) (<-chan Event, error) {
	history, err := a.store.History(ctx, conversationID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}

	stored, err := a.store.Append(ctx, conversationID, models.UserMessage(message))
	if err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}
	history = append(history, stored...)

	events := make(chan Event)
	go a.loop(ctx, conversationID, history, events)
	return events, nil
}

func (a *Agent) loop(ctx context.Context, id string, history []models.Message, events chan<- Event) {
	defer close(events)

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		if ctx.Err() != nil {
			a.logger.Debug("loop abandoned", zap.String("conversation_id", id), zap.Error(ctx.Err()))
			return
		}
		a.logger.Warn("loop failed", zap.String("conversation_id", id), zap.Error(err))
		emit(Event{Kind: EventError, Data: err})
	}

	for turn := 0; ; turn++ {
		if turn >= a.maxIterations {
			fail(fmt.Errorf("%w (%d turns)", ErrIterationLimit, a.maxIterations))
			return
		}

		if !emit(Event{Kind: EventStart, Node: NodeModel}) {
			return
		}
		streamed := false
		msg, err := a.model.Generate(ctx, history, func(ctx context.Context, text string) error {
			streamed = true
			if !emit(Event{Kind: EventStream, Node: NodeModel, Data: Chunk{Text: text}}) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			fail(err)
			return
		}
		// providers that do not stream still surface the answer as one fragment
		if !streamed && msg.Content != "" {
			if !emit(Event{Kind: EventStream, Node: NodeModel, Data: msg}) {
				return
			}
		}

		stored, err := a.store.Append(ctx, id, msg)
		if err != nil {
			fail(fmt.Errorf("failed to save assistant message: %w", err))
			return
		}
		history = append(history, stored...)
		if !emit(Event{Kind: EventEnd, Node: NodeModel, Data: stored[0]}) {
			return
		}

		if !msg.HasToolCalls() {
			a.logger.Debug("final answer produced", zap.String("conversation_id", id), zap.Int("turns", turn+1))
			return
		}

		if !emit(Event{Kind: EventStart, Node: NodeTools}) {
			return
		}
		results, err := a.tools.Invoke(ctx, msg.ToolCalls)
		if err != nil {
			fail(err)
			return
		}
		stored, err = a.store.Append(ctx, id, results...)
		if err != nil {
			fail(fmt.Errorf("failed to save tool results: %w", err))
			return
		}
		history = append(history, stored...)
		if !emit(Event{Kind: EventStream, Node: NodeTools, Data: stored}) {
			return
		}
		if !emit(Event{Kind: EventEnd, Node: NodeTools, Data: stored}) {
			return
		}
	}
}
