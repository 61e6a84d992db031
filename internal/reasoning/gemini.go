package reasoning

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/autoshell/internal/domain"
	"github.com/ashureev/autoshell/internal/resilience"
	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// GeminiClient implements Backend with Gemini function calling.
type GeminiClient struct {
	client  *genai.Client
	cfg     GeminiConfig
	breaker *resilience.Breaker
	logger  *slog.Logger
}

var _ Backend = (*GeminiClient)(nil)

// NewGeminiClient creates a Gemini backend.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig, breaker *resilience.Breaker, logger *slog.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client, cfg: cfg, breaker: breaker, logger: logger}, nil
}

func geminiDeclaration(spec toolSpec) *genai.FunctionDeclaration {
	props := make(map[string]*genai.Schema, len(spec.Params))
	required := make([]string, 0, len(spec.Params))
	for _, p := range spec.Params {
		props[p.Name] = &genai.Schema{Type: genai.TypeString, Description: p.Description}
		required = append(required, p.Name)
	}
	return &genai.FunctionDeclaration{
		Name:        spec.Name,
		Description: spec.Description,
		Parameters: &genai.Schema{
			Type:       genai.TypeObject,
			Properties: props,
			Required:   required,
		},
	}
}

func (c *GeminiClient) config(system string, maxTokens int, specs ...toolSpec) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr(float32(c.cfg.Temperature)),
		MaxOutputTokens:   int32(maxTokens),
	}
	if len(specs) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(specs))
		for _, s := range specs {
			decls = append(decls, geminiDeclaration(s))
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny},
		}
	}
	return cfg
}

func (c *GeminiClient) generate(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var resp *genai.GenerateContentResponse
	err := c.breaker.Execute(func() error {
		var genErr error
		resp, genErr = c.client.Models.GenerateContent(ctx, c.cfg.Model, contents, cfg)
		if genErr != nil {
			return fmt.Errorf("gemini generate content: %w", genErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, ErrNoChoices
	}
	return resp, nil
}

// Propose asks Gemini for the next agent action.
func (c *GeminiClient) Propose(ctx context.Context, req Request) (domain.Action, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, h := range req.History {
		role := genai.Role(genai.RoleUser)
		if h.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(h.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(req.Query, genai.RoleUser))

	resp, err := c.generate(ctx, contents, c.config(AgentPrompt(req.Context), agentMaxTokens, agentTools...))
	if err != nil {
		return nil, err
	}

	if calls := resp.FunctionCalls(); len(calls) > 0 {
		return ActionFromToolCall(calls[0].Name, calls[0].Args), nil
	}
	return ExtractAction(strings.TrimSpace(resp.Text())), nil
}

// Suggest asks Gemini for one shell command.
func (c *GeminiClient) Suggest(ctx context.Context, query string, env domain.Environment) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(query, genai.RoleUser)}
	resp, err := c.generate(ctx, contents, c.config(CommandPrompt(env), commandMaxTokens, commandTool))
	if err != nil {
		return "", err
	}

	for _, call := range resp.FunctionCalls() {
		if cmd, _ := call.Args["command"].(string); strings.TrimSpace(cmd) != "" {
			return strings.TrimSpace(cmd), nil
		}
	}
	if cmd := CleanCommand(resp.Text()); cmd != "" {
		return cmd, nil
	}
	return "", ErrNoCommand
}

// StreamSuggest streams suggestion text from Gemini.
func (c *GeminiClient) StreamSuggest(ctx context.Context, query string, env domain.Environment) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		contents := []*genai.Content{genai.NewContentFromText(query, genai.RoleUser)}
		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.cfg.Model, contents, c.config(CommandPrompt(env), c.cfg.MaxTokens)) {
			if err != nil {
				yield("", fmt.Errorf("gemini stream: %w", err))
				return
			}
			if text := resp.Text(); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}

// Close is a no-op; the GenAI client holds no resources that need release.
func (c *GeminiClient) Close() {}
