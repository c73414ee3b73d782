// Package search implements the web search capability on top of the Tavily API.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/tools"
)

// ToolName is the name the model uses to request a search.
const ToolName = "tavily_search"

const description = "A search engine optimized for comprehensive, accurate, and trusted results. " +
	"Useful for when you need to answer questions about current events. Input should be a search query."

// Schema is the JSON schema of the tool arguments.
const Schema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1, "description": "Search query to look up"},
    "topic": {"type": "string", "enum": ["general", "news", "finance"], "description": "Category of the search"}
  },
  "required": ["query"],
  "additionalProperties": false
}`

var ErrMissingAPIKey = errors.New("search: api key is not configured")

type Request struct {
	Query      string `json:"query"`
	Topic      string `json:"topic,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type Response struct {
	Query        string   `json:"query"`
	Answer       string   `json:"answer,omitempty"`
	Results      []Result `json:"results"`
	ResponseTime float64  `json:"response_time"`
}

type Client struct {
	baseURL    string
	apiKey     string
	maxResults int
	topic      string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithMaxResults(n int) Option {
	return func(cl *Client) { cl.maxResults = n }
}

func WithTopic(topic string) Option {
	return func(cl *Client) { cl.topic = topic }
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.httpClient.Timeout = d }
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		maxResults: 4,
		topic:      "general",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ tools.Tool = (*Client)(nil)

func (c *Client) Name() string        { return ToolName }
func (c *Client) Description() string { return description }

// Call runs a search from a JSON argument object (or a bare query string) and
// returns the response as JSON.
func (c *Client) Call(ctx context.Context, input string) (string, error) {
	req := Request{}
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
			return "", fmt.Errorf("search: invalid arguments: %w", err)
		}
	} else {
		req.Query = trimmed
	}

	resp, err := c.Search(ctx, req)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("search: failed to encode response: %w", err)
	}
	return string(out), nil
}

func (c *Client) Search(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if req.Topic == "" {
		req.Topic = c.topic
	}
	if req.MaxResults == 0 {
		req.MaxResults = c.maxResults
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("search: failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("search: failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("search: tavily returned status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("search: failed to decode response: %w", err)
	}
	if resp.Results == nil {
		resp.Results = []Result{}
	}
	return &resp, nil
}
