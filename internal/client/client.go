// Package client talks to a running auto-shell daemon.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/autoshell/internal/protocol"
)

const (
	defaultTimeout = 120 * time.Second
	maxErrorBody   = 512
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client calls the daemon HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the daemon at baseURL, e.g. http://127.0.0.1:28001.
// A zero timeout uses the default.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the daemon address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health returns the daemon health report. A degraded daemon answers 503
// with a report; that report is returned together with an *APIError.
func (c *Client) Health(ctx context.Context) (protocol.Health, error) {
	var out protocol.Health
	status, data, err := c.send(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return out, err
	}
	if jsonErr := json.Unmarshal(data, &out); jsonErr != nil {
		return out, fmt.Errorf("decode health: %w", jsonErr)
	}
	if status != http.StatusOK {
		return out, &APIError{StatusCode: status, Message: out.Status}
	}
	return out, nil
}

// Config returns the non-secret daemon configuration.
func (c *Client) Config(ctx context.Context) (protocol.ConfigInfo, error) {
	var out protocol.ConfigInfo
	err := c.do(ctx, http.MethodGet, "/config", nil, &out)
	return out, err
}

// ReloadConfig asks the daemon to reread its configuration file.
func (c *Client) ReloadConfig(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/config/reload", nil, nil)
}

// Suggest asks for a single command.
func (c *Client) Suggest(ctx context.Context, req protocol.SuggestRequest) (protocol.Suggestion, error) {
	var out protocol.Suggestion
	err := c.do(ctx, http.MethodPost, "/v1/suggest", req, &out)
	return out, err
}

// StreamSuggest yields the chunks of a streamed suggestion. A chunk that
// carries an error ends the sequence with that error.
func (c *Client) StreamSuggest(ctx context.Context, req protocol.SuggestRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := c.open(ctx, http.MethodPost, "/v1/suggest/stream", req)
		if err != nil {
			yield("", err)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			if data == protocol.StreamDone {
				return
			}
			var chunk protocol.StreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", fmt.Errorf("decode stream chunk: %w", err))
				return
			}
			if chunk.Error != "" {
				yield("", errors.New(chunk.Error))
				return
			}
			if !yield(chunk.Chunk, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("read stream: %w", err))
		}
	}
}

// ReportCommand records a command the shell ran.
func (c *Client) ReportCommand(ctx context.Context, res protocol.CommandResult) error {
	return c.do(ctx, http.MethodPost, "/v1/command/result", res, nil)
}

// RunAgent runs a bounded agent loop on the daemon host.
func (c *Client) RunAgent(ctx context.Context, req protocol.AgentRequest) (protocol.AgentResponse, error) {
	var out protocol.AgentResponse
	err := c.do(ctx, http.MethodPost, "/v1/agent", req, &out)
	return out, err
}

// StartSession creates an agent session and returns its first step.
func (c *Client) StartSession(ctx context.Context, req protocol.SessionStartRequest) (protocol.SessionStep, error) {
	var out protocol.SessionStep
	err := c.do(ctx, http.MethodPost, "/v1/agent/session/start", req, &out)
	return out, err
}

// StepSession reports the previous step and returns the next.
func (c *Client) StepSession(ctx context.Context, req protocol.SessionStepRequest) (protocol.SessionStep, error) {
	var out protocol.SessionStep
	err := c.do(ctx, http.MethodPost, "/v1/agent/session/step", req, &out)
	return out, err
}

// Session returns the state of one session.
func (c *Client) Session(ctx context.Context, id string) (protocol.SessionStatus, error) {
	var out protocol.SessionStatus
	err := c.do(ctx, http.MethodGet, "/v1/agent/session/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Sessions lists live sessions.
func (c *Client) Sessions(ctx context.Context) (protocol.SessionList, error) {
	var out protocol.SessionList
	err := c.do(ctx, http.MethodGet, "/v1/agent/sessions", nil, &out)
	return out, err
}

// DeleteSession cancels a session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/agent/session/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	status, data, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		return apiError(status, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, in any) (int, []byte, error) {
	resp, err := c.request(ctx, method, path, in)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// open issues a request and returns the live response for streaming.
func (c *Client) open(ctx context.Context, method, path string, in any) (*http.Response, error) {
	resp, err := c.request(ctx, method, path, in)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, apiError(resp.StatusCode, data)
	}
	return resp, nil
}

func (c *Client) request(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	return resp, nil
}

func apiError(status int, data []byte) error {
	var body protocol.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return &APIError{StatusCode: status, Message: body.Error}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return &APIError{StatusCode: status, Message: msg}
}
