package reasoning

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/autoshell/internal/domain"
	"github.com/ashureev/autoshell/internal/resilience"
)

const (
	agentMaxTokens   = 500
	commandMaxTokens = 1024
	maxErrorBody     = 512
)

// OpenAIConfig configures an OpenAI-compatible chat completions backend.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// OpenAIClient implements Backend against any OpenAI-compatible
// /chat/completions endpoint.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	breaker    *resilience.Breaker
	logger     *slog.Logger
}

var _ Backend = (*OpenAIClient)(nil)

// NewOpenAIClient creates a client. The breaker may be nil.
func NewOpenAIClient(cfg OpenAIConfig, breaker *resilience.Breaker, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAIClient{
		cfg:        cfg,
		httpClient: &http.Client{},
		breaker:    breaker,
		logger:     logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  any           `json:"tool_choice,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatToolCall struct {
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func openAITool(spec toolSpec) chatTool {
	props := make(map[string]any, len(spec.Params))
	required := make([]string, 0, len(spec.Params))
	for _, p := range spec.Params {
		props[p.Name] = map[string]any{"type": "string", "description": p.Description}
		required = append(required, p.Name)
	}
	return chatTool{
		Type: "function",
		Function: chatFunction{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters: map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		},
	}
}

// Propose asks for the next agent action using tool calls, falling back to
// a JSON object embedded in plain text.
func (c *OpenAIClient) Propose(ctx context.Context, req Request) (domain.Action, error) {
	messages := []chatMessage{{Role: "system", Content: AgentPrompt(req.Context)}}
	for _, h := range req.History {
		messages = append(messages, chatMessage{Role: string(h.Role), Content: h.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Query})

	tools := make([]chatTool, 0, len(agentTools))
	for _, spec := range agentTools {
		tools = append(tools, openAITool(spec))
	}

	resp, err := c.complete(ctx, chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   agentMaxTokens,
		Tools:       tools,
		ToolChoice:  "required",
	})
	if err != nil {
		return nil, err
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0].Function
		args := map[string]any{}
		if strings.TrimSpace(call.Arguments) != "" {
			if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
				return nil, fmt.Errorf("decode %s arguments: %w", call.Name, err)
			}
		}
		return ActionFromToolCall(call.Name, args), nil
	}

	return ExtractAction(strings.TrimSpace(msg.Content)), nil
}

// Suggest asks for a single command with a forced run_shell_command call,
// falling back to cleaning up the text reply.
func (c *OpenAIClient) Suggest(ctx context.Context, query string, env domain.Environment) (string, error) {
	resp, err := c.complete(ctx, chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: CommandPrompt(env)},
			{Role: "user", Content: query},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   commandMaxTokens,
		Tools:       []chatTool{openAITool(commandTool)},
		ToolChoice: map[string]any{
			"type":     "function",
			"function": map[string]string{"name": ToolRunShell},
		},
	})
	if err != nil {
		return "", err
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		var args struct {
			Command string `json:"command"`
		}
		raw := msg.ToolCalls[0].Function.Arguments
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			c.logger.Warn("tool call arguments are not valid JSON", "arguments", domain.Clip(raw, 100))
		} else if cmd := strings.TrimSpace(args.Command); cmd != "" {
			return cmd, nil
		}
	}

	c.logger.Warn("no usable tool call, falling back to text parsing")
	if cmd := CleanCommand(msg.Content); cmd != "" {
		return cmd, nil
	}
	return "", ErrNoCommand
}

// StreamSuggest streams the raw completion text of a command suggestion.
func (c *OpenAIClient) StreamSuggest(ctx context.Context, query string, env domain.Environment) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		var body io.ReadCloser
		err := c.breaker.Execute(func() error {
			var openErr error
			body, openErr = c.post(ctx, chatRequest{
				Model: c.cfg.Model,
				Messages: []chatMessage{
					{Role: "system", Content: CommandPrompt(env)},
					{Role: "user", Content: query},
				},
				Temperature: c.cfg.Temperature,
				MaxTokens:   c.cfg.MaxTokens,
				Stream:      true,
			})
			return openErr
		})
		if err != nil {
			yield("", err)
			return
		}
		defer func() { _ = body.Close() }()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return
			}
			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", fmt.Errorf("decode stream chunk: %w", err))
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("read stream: %w", err))
		}
	}
}

// Close is a no-op; the HTTP client holds no dedicated resources.
func (c *OpenAIClient) Close() {}

func (c *OpenAIClient) complete(ctx context.Context, req chatRequest) (*chatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var out chatResponse
	err := c.breaker.Execute(func() error {
		body, err := c.post(ctx, req)
		if err != nil {
			return err
		}
		defer func() { _ = body.Close() }()

		if err := json.NewDecoder(body).Decode(&out); err != nil {
			return fmt.Errorf("decode chat response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, ErrNoChoices
	}
	return &out, nil
}

func (c *OpenAIClient) post(ctx context.Context, req chatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat completions request: %w", err)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("chat completions error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp.Body, nil
}
