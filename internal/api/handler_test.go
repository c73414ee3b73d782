package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/RichardoC/searchchat/internal/agent"
	"github.com/RichardoC/searchchat/internal/db"
	"github.com/RichardoC/searchchat/internal/llm"
	"github.com/RichardoC/searchchat/internal/models"
	"github.com/RichardoC/searchchat/internal/search"
	"github.com/RichardoC/searchchat/internal/stream"
	"github.com/RichardoC/searchchat/internal/tools"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

type scriptedTurn struct {
	chunks []string
	choice *llms.ContentChoice
	err    error
}

// scriptedLLM is a langchaingo model that plays back one turn per call.
type scriptedLLM struct {
	mu    sync.Mutex
	turns []scriptedTurn
	seen  [][]llms.MessageContent
}

func (m *scriptedLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	idx := min(len(m.seen), len(m.turns)-1)
	m.seen = append(m.seen, messages)
	m.mu.Unlock()

	var opts llms.CallOptions
	for _, opt := range options {
		opt(&opts)
	}
	turn := m.turns[idx]
	if turn.err != nil {
		return nil, turn.err
	}
	if opts.StreamingFunc != nil {
		for _, c := range turn.chunks {
			if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{turn.choice}}, nil
}

func (m *scriptedLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *scriptedLLM) calls() [][]llms.MessageContent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]llms.MessageContent(nil), m.seen...)
}

func answer(chunks ...string) scriptedTurn {
	return scriptedTurn{chunks: chunks, choice: &llms.ContentChoice{Content: strings.Join(chunks, "")}}
}

// searchTurn streams the tool-call deltas the openai client forwards through
// the streaming callback before returning the assembled call.
func searchTurn(query string) scriptedTurn {
	args, _ := json.Marshal(map[string]string{"query": query})
	fragment, _ := json.Marshal(string(args[:len(args)/2]))
	rest, _ := json.Marshal(string(args[len(args)/2:]))
	chunks := []string{
		`[{"id":"call_1","type":"function","function":{"name":"` + search.ToolName + `","arguments":""}}]`,
		`[{"type":"","function":{"arguments":` + string(fragment) + `}}]`,
		`[{"type":"","function":{"arguments":` + string(rest) + `}}]`,
	}
	return scriptedTurn{chunks: chunks, choice: &llms.ContentChoice{ToolCalls: []llms.ToolCall{{
		ID:           "call_1",
		Type:         "function",
		FunctionCall: &llms.FunctionCall{Name: search.ToolName, Arguments: string(args)},
	}}}}
}

type harness struct {
	server   *httptest.Server
	store    *db.MemoryStore
	model    *scriptedLLM
	searches atomic.Int32
	queries  chan string
}

func newHarness(t *testing.T, turns ...scriptedTurn) *harness {
	t.Helper()
	h := &harness{
		store:   db.NewMemory(),
		model:   &scriptedLLM{turns: turns},
		queries: make(chan string, 8),
	}

	tavily := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req search.Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		h.searches.Add(1)
		h.queries <- req.Query
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(search.Response{
			Query: req.Query,
			Results: []search.Result{
				{Title: "Tokyo forecast", URL: "https://weather.example/tokyo"},
				{Title: "JMA", URL: "https://jma.example/tokyo"},
			},
		})
	}))
	t.Cleanup(tavily.Close)

	invoker := tools.NewInvoker(zap.NewNop())
	require.NoError(t, invoker.Register(search.New(tavily.URL, "test-key"), search.Schema))
	model := llm.NewWithModel(h.model, invoker.Definitions())
	loop := agent.New(h.store, model, invoker)

	handler := NewHandler(loop, h.store, search.ToolName, zap.NewNop())
	h.server = httptest.NewServer(handler.Routes([]string{"*"}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) chat(t *testing.T, message, checkpointID string) []stream.Event {
	t.Helper()
	target := h.server.URL + "/chat_stream/" + url.PathEscape(message)
	if checkpointID != "" {
		target += "?checkpoint_id=" + url.QueryEscape(checkpointID)
	}
	resp, err := http.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	events, err := stream.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, stream.TypeEnd, events[len(events)-1].Type)
	for _, e := range events[:len(events)-1] {
		assert.NotEqual(t, stream.TypeEnd, e.Type)
	}
	return events
}

func typesOf(events []stream.Event) []stream.EventType {
	out := make([]stream.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func contentOf(events []stream.Event) string {
	var b strings.Builder
	for _, e := range events {
		if e.Type == stream.TypeContent {
			b.WriteString(e.Content)
		}
	}
	return b.String()
}

func TestChatStream_DirectAnswer(t *testing.T) {
	h := newHarness(t, answer("The capital of France ", "is Paris."))

	events := h.chat(t, "What is the capital of France?", "")
	assert.Equal(t, []stream.EventType{
		stream.TypeCheckpoint, stream.TypeContent, stream.TypeContent, stream.TypeEnd,
	}, typesOf(events))
	assert.Contains(t, contentOf(events), "Paris")
	assert.EqualValues(t, 0, h.searches.Load())

	id := events[0].CheckpointID
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	history, err := h.store.History(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestChatStream_SearchRoundTrip(t *testing.T) {
	h := newHarness(t,
		searchTurn("weather in Tokyo today"),
		answer("It is sunny ", "in Tokyo."),
	)

	events := h.chat(t, "Search today's weather in Tokyo", "")
	require.Equal(t, []stream.EventType{
		stream.TypeCheckpoint,
		stream.TypeSearchStart,
		stream.TypeSearchResults,
		stream.TypeContent,
		stream.TypeContent,
		stream.TypeEnd,
	}, typesOf(events))

	assert.Equal(t, "weather in Tokyo today", events[1].Query)
	assert.Equal(t, []string{"https://weather.example/tokyo", "https://jma.example/tokyo"}, events[2].URLs)
	assert.Equal(t, "It is sunny in Tokyo.", contentOf(events))
	for _, e := range events {
		if e.Type == stream.TypeContent {
			assert.NotContains(t, e.Content, `"function"`)
		}
	}
	assert.Equal(t, "weather in Tokyo today", <-h.queries)

	// the second model turn saw the search results
	calls := h.model.calls()
	require.Len(t, calls, 2)
	last := calls[1][len(calls[1])-1]
	assert.Equal(t, llms.ChatMessageTypeTool, last.Role)
}

func TestChatStream_ContinuesConversation(t *testing.T) {
	h := newHarness(t, answer("Hi Ada."), answer("Your name is Ada."))

	first := h.chat(t, "My name is Ada", "")
	id := first[0].CheckpointID

	second := h.chat(t, "What is my name?", id)
	assert.Equal(t, []stream.EventType{stream.TypeContent, stream.TypeEnd}, typesOf(second))

	calls := h.model.calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1], 3)
}

func TestChatStream_NewSessionsGetDistinctIDs(t *testing.T) {
	h := newHarness(t, answer("ok"))
	a := h.chat(t, "one", "")
	b := h.chat(t, "two", "")
	assert.NotEqual(t, a[0].CheckpointID, b[0].CheckpointID)
}

func TestChatStream_UnknownCheckpointStartsEmpty(t *testing.T) {
	h := newHarness(t, answer("Hello."))
	id := uuid.NewString()

	events := h.chat(t, "hello", id)
	assert.Equal(t, []stream.EventType{stream.TypeContent, stream.TypeEnd}, typesOf(events))

	calls := h.model.calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 1)

	history, err := h.store.History(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestChatStream_InvalidCheckpoint(t *testing.T) {
	h := newHarness(t, answer("unused"))

	events := h.chat(t, "hello", "not-a-uuid")
	require.Equal(t, []stream.EventType{stream.TypeError, stream.TypeEnd}, typesOf(events))
	assert.Contains(t, events[0].Error, "not-a-uuid")
	assert.Empty(t, h.model.calls())
}

func TestChatStream_ModelFailure(t *testing.T) {
	h := newHarness(t, scriptedTurn{err: errors.New("rate limited")})

	events := h.chat(t, "hello", "")
	require.Equal(t, []stream.EventType{stream.TypeCheckpoint, stream.TypeError, stream.TypeEnd}, typesOf(events))
	assert.Contains(t, events[1].Error, "rate limited")
}

func TestChatStream_MessageIsPathDecoded(t *testing.T) {
	h := newHarness(t, answer("ok"))
	h.chat(t, "what is 1/2 + ü?", "")

	calls := h.model.calls()
	require.Len(t, calls, 1)
	part, ok := calls[0][0].Parts[0].(llms.TextContent)
	require.True(t, ok)
	assert.Equal(t, "what is 1/2 + ü?", part.Text)
}

type failingRunner struct{ err error }

func (f failingRunner) Run(ctx context.Context, id, message string) (<-chan agent.Event, error) {
	return nil, f.err
}

func TestChatStream_LoopCannotStart(t *testing.T) {
	h := NewHandler(failingRunner{err: errors.New("store offline")}, db.NewMemory(), search.ToolName, zap.NewNop())
	rec := httptest.NewRecorder()
	h.Routes(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat_stream/hi", nil))

	events, err := stream.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, []stream.EventType{stream.TypeCheckpoint, stream.TypeError, stream.TypeEnd}, typesOf(events))
	assert.Equal(t, "store offline", events[1].Error)
}

func TestGetMessages(t *testing.T) {
	h := newHarness(t, answer("Paris."))
	id := h.chat(t, "capital of France?", "")[0].CheckpointID

	resp, err := http.Get(h.server.URL + "/api/messages?checkpoint_id=" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body MessagesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, id, body.CheckpointID)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, models.RoleUser, body.Messages[0].Role)
	assert.Equal(t, "Paris.", body.Messages[1].Content)
}

func TestGetMessages_Errors(t *testing.T) {
	h := newHarness(t, answer("unused"))
	tests := []struct {
		query string
		want  int
	}{
		{"", http.StatusBadRequest},
		{"?checkpoint_id=nope", http.StatusBadRequest},
		{"?checkpoint_id=" + uuid.NewString(), http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := http.Get(h.server.URL + "/api/messages" + tt.query)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tt.want, resp.StatusCode, tt.query)
	}
}

func TestGetConversations(t *testing.T) {
	h := newHarness(t, answer("ok"))
	first := h.chat(t, "one", "")[0].CheckpointID
	second := h.chat(t, "two", "")[0].CheckpointID

	resp, err := http.Get(h.server.URL + "/api/conversations")
	require.NoError(t, err)
	defer resp.Body.Close()

	var conversations []models.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conversations))
	require.Len(t, conversations, 2)
	ids := []string{conversations[0].ID, conversations[1].ID}
	assert.ElementsMatch(t, []string{first, second}, ids)
	assert.Equal(t, 2, conversations[0].MessageCount)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, answer("unused"))
	resp, err := http.Get(h.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/chat_stream/x", nil)
		req.Header.Set("Origin", "https://app.example")
		req.Header.Set("Access-Control-Request-Method", "GET")
		rec := httptest.NewRecorder()
		CORS([]string{"*"}, ok).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Content-Type", rec.Header().Get("Access-Control-Expose-Headers"))
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Headers"))
	})

	t.Run("preflight echoes requested headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/messages", nil)
		req.Header.Set("Origin", "https://app.example")
		req.Header.Set("Access-Control-Request-Method", "GET")
		req.Header.Set("Access-Control-Request-Headers", "x-request-id, last-event-id")
		rec := httptest.NewRecorder()
		CORS([]string{"*"}, ok).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "x-request-id, last-event-id", rec.Header().Get("Access-Control-Allow-Headers"))
	})

	t.Run("listed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("Origin", "https://app.example")
		rec := httptest.NewRecorder()
		CORS([]string{"https://app.example"}, ok).ServeHTTP(rec, req)
		assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("other origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec := httptest.NewRecorder()
		CORS([]string{"https://app.example"}, ok).ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}
