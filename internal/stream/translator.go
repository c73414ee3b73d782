package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/RichardoC/searchchat/internal/agent"
	"github.com/RichardoC/searchchat/internal/logging"
	"github.com/RichardoC/searchchat/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink receives wire events in order. Send must deliver the event before it
// returns.
type Sink interface {
	Send(Event) error
}

type SinkFunc func(Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }

// Translator maps the raw events of one loop execution to wire events.
type Translator struct {
	checkpointID string
	newSession   bool
	searchTool   string
	started      bool
	logger       *zap.Logger
}

type Option func(*Translator)

// WithIDGenerator replaces uuid.NewString for new sessions.
func WithIDGenerator(gen func() string) Option {
	return func(t *Translator) {
		if t.newSession {
			t.checkpointID = gen()
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Translator) { t.logger = logger }
}

// NewTranslator prepares the translation of one request. An empty checkpointID
// starts a new session under a freshly generated id.
func NewTranslator(checkpointID, searchTool string, opts ...Option) *Translator {
	t := &Translator{
		checkpointID: checkpointID,
		newSession:   checkpointID == "",
		searchTool:   searchTool,
		logger:       zap.NewNop(),
	}
	if t.newSession {
		t.checkpointID = uuid.NewString()
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CheckpointID is the conversation the request runs under.
func (t *Translator) CheckpointID() string { return t.checkpointID }

func (t *Translator) NewSession() bool { return t.newSession }

func (t *Translator) begin(sink Sink) error {
	if t.started {
		return nil
	}
	t.started = true
	if !t.newSession {
		return nil
	}
	return sink.Send(Checkpoint(t.checkpointID))
}

// Run pulls raw events until the channel is closed and forwards each
// translation to sink immediately, finishing with exactly one end event.
// If ctx is done it stops pulling and returns ctx.Err() without an end event.
func (t *Translator) Run(ctx context.Context, events <-chan agent.Event, sink Sink) error {
	if err := t.begin(sink); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return sink.Send(End())
			}
			for _, out := range t.Translate(ev) {
				if err := sink.Send(out); err != nil {
					return err
				}
			}
		}
	}
}

// Abort reports a loop that could not start: checkpoint (new sessions only),
// error, end.
func (t *Translator) Abort(cause error, sink Sink) error {
	if err := t.begin(sink); err != nil {
		return err
	}
	if err := sink.Send(Error(cause.Error())); err != nil {
		return err
	}
	return sink.Send(End())
}

// Translate classifies one raw event. Events with no client-visible meaning
// translate to nothing.
func (t *Translator) Translate(ev agent.Event) []Event {
	switch ev.Kind {
	case agent.EventStream:
		switch ev.Node {
		case agent.NodeModel:
			return []Event{Content(extractText(ev.Data))}
		case agent.NodeTools:
			return t.searchResults(ev.Data)
		}
	case agent.EventEnd:
		if ev.Node == agent.NodeModel {
			if query, ok := t.searchQuery(ev.Data); ok {
				return []Event{SearchStart(query)}
			}
		}
	case agent.EventError:
		return []Event{Error(errorText(ev.Data))}
	}
	return nil
}

// searchQuery returns the query of the first search call of a finished turn.
func (t *Translator) searchQuery(data any) (string, bool) {
	var msg models.Message
	switch v := data.(type) {
	case models.Message:
		msg = v
	case *models.Message:
		if v == nil {
			return "", false
		}
		msg = *v
	default:
		return "", false
	}

	for _, call := range msg.ToolCalls {
		if call.Name != t.searchTool {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			t.logger.Debug("unreadable search arguments", logging.Truncated("arguments", call.Arguments), zap.Error(err))
			return "", true
		}
		query, _ := args["query"].(string)
		return query, true
	}
	return "", false
}

func (t *Translator) searchResults(data any) []Event {
	var msgs []models.Message
	switch v := data.(type) {
	case []models.Message:
		msgs = v
	case []*models.Message:
		for _, m := range v {
			if m != nil {
				msgs = append(msgs, *m)
			}
		}
	case models.Message:
		msgs = []models.Message{v}
	default:
		t.logger.Debug("ignoring tool output of unexpected shape", zap.String("type", fmt.Sprintf("%T", data)))
		return nil
	}

	var out []Event
	for _, msg := range msgs {
		if msg.ToolName != t.searchTool {
			continue
		}
		urls, err := resultURLs(msg.Content)
		if err != nil {
			t.logger.Debug("degraded search results", zap.String("tool_call_id", msg.ToolCallID), zap.Error(err))
			out = append(out, SearchFailed(err.Error()))
			continue
		}
		out = append(out, SearchResults(urls))
	}
	return out
}

// resultURLs reads the url of every result object, in order. Results that are
// not objects with a string url are skipped.
func resultURLs(content string) ([]string, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("malformed search results: %w", err)
	}
	if payload == nil {
		return nil, errors.New("malformed search results: not an object")
	}
	if msg, ok := payload["error"]; ok && msg != nil && msg != "" {
		return nil, fmt.Errorf("search failed: %v", msg)
	}

	urls := []string{}
	raw, ok := payload["results"]
	if !ok || raw == nil {
		return urls, nil
	}
	results, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("malformed search results: results is %T", raw)
	}
	for _, item := range results {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if u, ok := obj["url"].(string); ok {
			urls = append(urls, u)
		}
	}
	return urls, nil
}

func errorText(data any) string {
	if err, ok := data.(error); ok && err != nil {
		return err.Error()
	}
	if text := extractText(data); text != "" {
		return text
	}
	return "unknown error"
}

type textStrategy func(v any) (string, bool)

// tried in order; the first that recognises the value wins
var textStrategies = []textStrategy{
	chunkText,
	messageText,
	plainText,
	stringerText,
}

// extractText returns the best text representation of a model fragment and
// never fails: unknown shapes are stringified, nil and panics give "".
func extractText(v any) (text string) {
	defer func() {
		if recover() != nil {
			text = ""
		}
	}()
	if v == nil {
		return ""
	}
	for _, strategy := range textStrategies {
		if s, ok := strategy(v); ok {
			return s
		}
	}
	return fmt.Sprint(v)
}

func chunkText(v any) (string, bool) {
	switch c := v.(type) {
	case agent.Chunk:
		return c.Text, true
	case *agent.Chunk:
		if c == nil {
			return "", true
		}
		return c.Text, true
	}
	return "", false
}

func messageText(v any) (string, bool) {
	switch m := v.(type) {
	case models.Message:
		return m.Content, true
	case *models.Message:
		if m == nil {
			return "", true
		}
		return m.Content, true
	}
	return "", false
}

func plainText(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

func stringerText(v any) (string, bool) {
	if s, ok := v.(fmt.Stringer); ok {
		return s.String(), true
	}
	return "", false
}
