package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 120 * time.Second
)

// Gateway is the upstream surface the orchestrator depends on. Credential is
// the resolved key for this request; empty means the client's default.
type Gateway interface {
	Complete(ctx context.Context, req *CompletionRequest, credential string) (*CompletionResponse, error)
	Stream(ctx context.Context, req *CompletionRequest, credential string) (<-chan StreamResult, error)
	ListModels(ctx context.Context) (*ModelList, error)
}

// StreamResult wraps one chunk or a terminal error from a stream.
type StreamResult struct {
	Chunk *Chunk
	Err   error
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL points the client at a different OpenAI-compatible endpoint.
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

// WithTimeout bounds non-streaming calls. Streaming calls are bounded by the
// request context instead, since a healthy stream can outlive any fixed
// timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	defaultKey string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

func NewClient(defaultKey string, opts ...ClientOption) *Client {
	c := &Client{
		defaultKey: defaultKey,
		baseURL:    defaultBaseURL,
		timeout:    defaultTimeout,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req *CompletionRequest, credential string) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req.Stream = false
	req.StreamOptions = nil

	respBody, err := c.post(ctx, "/chat/completions", req, credential, false)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	data, err := io.ReadAll(respBody)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result CompletionResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// Stream opens a streaming chat completion and returns a channel of chunks.
// The channel closes after the provider's [DONE] terminator or a terminal
// error.
func (c *Client) Stream(ctx context.Context, req *CompletionRequest, credential string) (<-chan StreamResult, error) {
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	respBody, err := c.post(ctx, "/chat/completions", req, credential, true)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamResult)
	go streamReader(respBody, out)
	return out, nil
}

// ListModels retrieves the provider's model catalog.
func (c *Client) ListModels(ctx context.Context) (*ModelList, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, "")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp.StatusCode, data)
	}

	var result ModelList
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// post sends the payload and returns the open response body on 200. For
// streaming calls the caller owns closing the body via the reader goroutine.
func (c *Client) post(ctx context.Context, path string, payload any, credential string, streaming bool) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, credential)
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, parseError(resp.StatusCode, respBody)
	}
	return resp.Body, nil
}

func (c *Client) setHeaders(req *http.Request, credential string) {
	key := credential
	if key == "" {
		key = c.defaultKey
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("User-Agent", "securetag-ai-gateway/1.0")
}

func streamReader(body io.ReadCloser, out chan<- StreamResult) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	// Chunks can be large; grow the line buffer well past the default.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var chunk Chunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			out <- StreamResult{Err: fmt.Errorf("failed to unmarshal chunk: %w", err)}
			return
		}
		out <- StreamResult{Chunk: &chunk}
	}

	if err := scanner.Err(); err != nil {
		out <- StreamResult{Err: fmt.Errorf("stream read error: %w", err)}
	}
}
