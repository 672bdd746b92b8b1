package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const defaultBaseURL = "https://api.openai.com/v1"

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client talks to any OpenAI-compatible Chat Completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a new client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		userAgent:  "llm-meter-gateway/1.0",
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPError is a non-2xx upstream reply.
type HTTPError struct {
	StatusCode int
	// RetryAfter is the parsed Retry-After header in seconds.
	RetryAfter int
	API        *APIError
	Body       string
}

func (e *HTTPError) Error() string {
	if e.API != nil {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.API.Error())
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// CreateChatCompletion sends a chat completion request.
func (c *Client) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result ChatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &result, nil
}

// StreamResult wraps a raw chunk or error from streaming.
type StreamResult struct {
	Raw json.RawMessage
	Err error
}

// StreamChatCompletion sends a streaming request and returns a channel of raw
// chunks. The channel is closed when the stream ends or ctx is cancelled.
func (c *Client) StreamChatCompletion(ctx context.Context, req *ChatCompletionRequest) (<-chan StreamResult, error) {
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamResult)
	go c.streamReader(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) post(ctx context.Context, req *ChatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			httpErr.RetryAfter = secs
		}
		if apiErr, err := ParseErrorResponse(respBody); err == nil && apiErr != nil {
			httpErr.API = apiErr
		}
		return nil, httpErr
	}

	return resp, nil
}

func (c *Client) streamReader(ctx context.Context, body io.ReadCloser, out chan<- StreamResult) {
	defer close(out)
	defer body.Close()

	send := func(r StreamResult) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return
		}

		if !send(StreamResult{Raw: json.RawMessage(data)}) {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(StreamResult{Err: fmt.Errorf("stream read error: %w", err)})
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)
}
