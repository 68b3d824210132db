package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const chatMessagesPath = "/v1/chat-messages"

// maxErrorBody caps how much of a non-2xx body is kept for error reporting.
const maxErrorBody = 64 << 10

// HTTPError is returned by Open when Dify answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("dify %d: %s", e.StatusCode, e.Body)
}

// Client sends requests to a Dify instance.
type Client struct {
	// chatURL is the full URL of the Dify chat-messages endpoint,
	// e.g. "https://api.dify.ai/v1/chat-messages".
	chatURL    string
	httpClient *http.Client
}

// ChatURL derives the chat-messages endpoint from a base URL. The base may be
// a bare host, a host with a trailing "/v1", or the full endpoint URL.
func ChatURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasSuffix(u, chatMessagesPath):
		return u
	case strings.HasSuffix(u, "/v1"):
		return u + "/chat-messages"
	default:
		return u + chatMessagesPath
	}
}

// NewClient constructs a Client for baseURL. httpClient must not carry a
// Timeout: streams are bounded by the request context instead.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		chatURL:    ChatURL(baseURL),
		httpClient: httpClient,
	}
}

// URL returns the chat-messages endpoint this client posts to.
func (c *Client) URL() string { return c.chatURL }

// Open posts a streaming chat-messages request and returns the open event
// stream. The caller owns the returned Stream and must Close it.
//
// Transport failures are returned as-is; non-2xx answers as *HTTPError with
// the body already drained and closed.
func (c *Client) Open(ctx context.Context, apiKey string, req *ChatRequest) (*Stream, error) {
	req.ResponseMode = ResponseModeStreaming
	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	return NewStream(resp.Body), nil
}
