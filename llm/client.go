package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/qmx/qcode/model"
)

// Client is the adapter's single implementation: an HTTP client against a
// local Ollama-shaped service. It owns retry-with-backoff and per-call
// timeout; it does not interpret tool calls, only passes them through.
type Client struct {
	baseURL     string
	model       string
	httpClient  *http.Client
	retry       retryConfig
	callTimeout time.Duration
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithRetries overrides the bounded retry count (default 3).
func WithRetries(n int) Option {
	return func(c *Client) { c.retry = defaultRetryConfig(n) }
}

// WithCallTimeout overrides the per-call timeout (default 30s).
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// NewClient builds a Client against baseURL (e.g. "http://localhost:11434")
// for the given model name.
func NewClient(baseURL, modelName string, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		model:       modelName,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		retry:       defaultRetryConfig(3),
		callTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListModels calls GET /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := doWithRetry(ctx, c.retry, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
		if err != nil {
			return nil, err
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tags TagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, model.Newf(model.LlmTransportError, "decode /api/tags response: %v", err)
	}
	return tags.Models, nil
}

// ModelAvailable reports whether name is present in the service's model list.
func (c *Client) ModelAvailable(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// Chat calls POST /api/chat. tools may be nil/empty for a tools-free
// final-answer turn; format, when non-empty, is passed through verbatim
// (e.g. "json" to request a structured response).
func (c *Client) Chat(ctx context.Context, messages []Message, tools []ToolDef, format string, temperature float64) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	reqBody := ChatRequest{
		Model:    c.model,
		Messages: messages,
		Tools:    tools,
		Format:   format,
		Stream:   false,
		Options:  &ChatOptions{Temperature: temperature},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, model.Newf(model.LlmTransportError, "marshal chat request: %v", err)
	}

	resp, err := doWithRetry(ctx, c.retry, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.Newf(model.LlmTransportError, "read chat response: %v", err)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(data, &chatResp); err != nil {
		return nil, model.Newf(model.LlmTransportError, "decode chat response: %v", err)
	}
	return &chatResp, nil
}

// Classify is a ClassifyFunc adapter: a single non-tool-calling chat turn
// asking a free-form question, used by tools like internal:project.
func (c *Client) Classify(ctx context.Context, prompt string) (string, error) {
	resp, err := c.Chat(ctx, []Message{{Role: "user", Content: prompt}}, nil, "", 0)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}
