package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/RichardoC/searchchat/internal/config"
	"github.com/RichardoC/searchchat/internal/models"
	"github.com/RichardoC/searchchat/internal/tools"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

var ErrEmptyResponse = errors.New("model returned no choices")

// ChunkFunc receives streamed fragments of the assistant answer.
type ChunkFunc func(ctx context.Context, text string) error

type Service struct {
	llm    llms.Model
	tools  []llms.Tool
	system string
	stream bool
	window *Window
	logger *zap.Logger
}

type Option func(*Service)

func WithSystemPrompt(prompt string) Option {
	return func(s *Service) { s.system = prompt }
}

// WithStreaming controls whether fragments are requested from the provider.
func WithStreaming(enabled bool) Option {
	return func(s *Service) { s.stream = enabled }
}

func WithWindow(w *Window) Option {
	return func(s *Service) { s.window = w }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New builds a Service for the configured provider.
func New(cfg config.ModelConfig, defs []tools.Definition, logger *zap.Logger) (*Service, error) {
	model, err := newModel(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s model: %w", cfg.Provider, err)
	}

	opts := []Option{
		WithSystemPrompt(cfg.SystemPrompt),
		WithStreaming(cfg.Stream),
		WithLogger(logger),
	}
	if cfg.MaxHistoryTokens > 0 {
		counter, err := NewTiktokenCounter(cfg.Encoding)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithWindow(NewWindow(cfg.MaxHistoryTokens, counter)))
	}
	return NewWithModel(model, defs, opts...), nil
}

func newModel(cfg config.ModelConfig) (llms.Model, error) {
	switch cfg.Provider {
	case "anthropic":
		llm, err := anthropic.New(anthropic.WithToken(cfg.APIKey), anthropic.WithModel(cfg.Name))
		if err != nil {
			return nil, err
		}
		return llm, nil
	default:
		llm, err := openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithBaseURL(cfg.BaseURL),
			openai.WithModel(cfg.Name),
		)
		if err != nil {
			return nil, err
		}
		return llm, nil
	}
}

// NewWithModel wraps an existing langchaingo model.
func NewWithModel(model llms.Model, defs []tools.Definition, opts ...Option) *Service {
	s := &Service{
		llm:    model,
		tools:  toolDefinitions(defs),
		stream: true,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func toolDefinitions(defs []tools.Definition) []llms.Tool {
	out := make([]llms.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

// Generate asks the model for the next assistant turn given the history. When
// streaming is enabled, onChunk receives answer fragments as they arrive and the
// returned message carries the assembled turn including any tool calls.
func (s *Service) Generate(ctx context.Context, history []models.Message, onChunk ChunkFunc) (models.Message, error) {
	if s.window != nil {
		history = s.window.Apply(history)
	}
	messages := s.toMessageContent(history)

	var opts []llms.CallOption
	if len(s.tools) > 0 {
		opts = append(opts, llms.WithTools(s.tools))
	}
	if s.stream && onChunk != nil {
		opts = append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 || isToolCallDelta(chunk) {
				return nil
			}
			return onChunk(ctx, string(chunk))
		}))
	}

	resp, err := s.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to generate completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return models.Message{}, ErrEmptyResponse
	}

	choice := resp.Choices[0]
	msg := models.Message{
		Role:    models.RoleAssistant,
		Content: choice.Content,
	}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, toolCall(tc.ID, tc.FunctionCall))
	}
	if len(msg.ToolCalls) == 0 && choice.FuncCall != nil {
		msg.ToolCalls = append(msg.ToolCalls, toolCall("", choice.FuncCall))
	}

	s.logger.Debug("model turn finished",
		zap.Int("history", len(history)),
		zap.Int("tool_calls", len(msg.ToolCalls)),
		zap.String("stop_reason", choice.StopReason))
	return msg, nil
}

func toolCall(id string, fc *llms.FunctionCall) models.ToolCall {
	if id == "" {
		id = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return models.ToolCall{ID: id, Name: fc.Name, Arguments: fc.Arguments}
}

// toolCallDelta is the element shape of the tool-call arrays the openai client
// forwards through the streaming callback. Continuation deltas carry an empty
// type and only an arguments fragment.
type toolCallDelta struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function *struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// isToolCallDelta reports whether a streamed chunk is tool-call plumbing rather
// than answer text: a tool-call delta array, or the single function-call object
// of the legacy functions API.
func isToolCallDelta(chunk []byte) bool {
	trimmed := strings.TrimSpace(string(chunk))
	switch {
	case strings.HasPrefix(trimmed, "[{"):
		var deltas []toolCallDelta
		if err := json.Unmarshal([]byte(trimmed), &deltas); err != nil || len(deltas) == 0 {
			return false
		}
		for _, d := range deltas {
			if d.Function == nil {
				return false
			}
		}
		return true
	case strings.HasPrefix(trimmed, "{"):
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &fields); err != nil || len(fields) == 0 {
			return false
		}
		for key := range fields {
			if key != "name" && key != "arguments" {
				return false
			}
		}
		return true
	}
	return false
}

func (s *Service) toMessageContent(history []models.Message) []llms.MessageContent {
	history = Sanitize(history)
	out := make([]llms.MessageContent, 0, len(history)+1)
	if s.system != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, s.system))
	}

	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, msg.Content))
		case models.RoleSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, msg.Content))
		case models.RoleAssistant:
			var parts []llms.ContentPart
			if msg.Content != "" {
				parts = append(parts, llms.TextContent{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, llms.ToolCall{
					ID:   tc.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})
		case models.RoleTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: msg.ToolCallID,
					Name:       msg.ToolName,
					Content:    msg.Content,
				}},
			})
		}
	}
	return out
}

// Sanitize drops tool calls that were never answered (a request aborted between
// the model and tools steps) and tool results whose call is not in the history.
// Providers reject either shape.
func Sanitize(history []models.Message) []models.Message {
	answered := make(map[string]bool)
	for _, msg := range history {
		if msg.Role == models.RoleTool {
			answered[msg.ToolCallID] = true
		}
	}

	requested := make(map[string]bool)
	out := make([]models.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case models.RoleAssistant:
			if msg.HasToolCalls() {
				calls := make([]models.ToolCall, 0, len(msg.ToolCalls))
				for _, tc := range msg.ToolCalls {
					if answered[tc.ID] {
						calls = append(calls, tc)
						requested[tc.ID] = true
					}
				}
				msg.ToolCalls = calls
				if len(calls) == 0 && msg.Content == "" {
					continue
				}
			}
		case models.RoleTool:
			if !requested[msg.ToolCallID] {
				continue
			}
		}
		out = append(out, msg)
	}
	return out
}
