// Package suggest turns a natural-language query into a single shell
// command, routing multi-step tasks to agent mode.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/autoshell/internal/domain"
	"github.com/ashureev/autoshell/internal/reasoning"
	"github.com/ashureev/autoshell/internal/router"
	"github.com/ashureev/autoshell/internal/safety"
	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

// Explanations returned with suggestions.
const (
	ExplainAgent     = "This task needs several steps, use agent mode (double Tab)."
	ExplainGenerated = "Generated by LLM."
	ExplainFallback  = "No command could be generated."
)

// FallbackCommand is suggested when the backend produced nothing usable.
const FallbackCommand = "echo 'auto-shell: unable to generate a command, check the API configuration or network connection'"

// Suggestion is the answer to a single-shot query.
type Suggestion struct {
	Command     string `json:"command"`
	Explanation string `json:"explanation"`
	IsDangerous bool   `json:"is_dangerous"`
	UseAgent    bool   `json:"use_agent"`
}

// Config configures the suggestion service.
type Config struct {
	CacheTTL     time.Duration
	CacheEntries int64
	Logger       *slog.Logger
}

// Service produces command suggestions. Identical concurrent queries share
// one backend call and successful answers are cached.
type Service struct {
	suggester reasoning.Suggester
	policy    *safety.Policy
	cache     *ristretto.Cache[string, Suggestion]
	ttl       time.Duration
	group     singleflight.Group
	logger    *slog.Logger
}

// NewService creates a suggestion service. A non-positive CacheTTL
// disables caching.
func NewService(suggester reasoning.Suggester, policy *safety.Policy, cfg Config) (*Service, error) {
	if policy == nil {
		policy = safety.MustDefault()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Service{
		suggester: suggester,
		policy:    policy,
		ttl:       cfg.CacheTTL,
		logger:    cfg.Logger,
	}
	if cfg.CacheTTL > 0 {
		entries := cfg.CacheEntries
		if entries <= 0 {
			entries = 1000
		}
		c, err := ristretto.NewCache(&ristretto.Config[string, Suggestion]{
			NumCounters:        entries * 10, // ~10x expected items
			MaxCost:            entries,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("create suggestion cache: %w", err)
		}
		s.cache = c
	}
	return s, nil
}

// Close releases the cache.
func (s *Service) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

func cacheKey(query string, env domain.Environment) string {
	return strings.Join([]string{strings.TrimSpace(query), env.OS, env.Shell, env.Cwd}, "\x00")
}

// Suggest answers query. Backend failures produce the fallback command
// rather than an error; only a canceled context is returned as an error.
func (s *Service) Suggest(ctx context.Context, query string, env domain.Environment) (Suggestion, error) {
	if d := router.Classify(query); d.MultiStep {
		s.logger.Info("Query routed to agent mode", "reason", d.Reason)
		return Suggestion{Explanation: ExplainAgent, UseAgent: true}, nil
	}
	if env.Cwd == "" {
		env.Cwd = "."
	}

	key := cacheKey(query, env)
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			return cached, nil
		}
	}

	v, err, shared := s.group.Do(key, func() (any, error) {
		return s.generate(ctx, query, env)
	})
	if err != nil {
		return Suggestion{}, err
	}
	sugg := v.(Suggestion)
	if shared {
		s.logger.Debug("Suggestion shared with concurrent request")
	}
	return sugg, nil
}

func (s *Service) generate(ctx context.Context, query string, env domain.Environment) (Suggestion, error) {
	if s.suggester == nil {
		return s.fallback(), nil
	}

	command, err := s.suggester.Suggest(ctx, query, env)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Suggestion{}, err
		}
		s.logger.Warn("Suggestion backend failed", "error", err)
		return s.fallback(), nil
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return s.fallback(), nil
	}

	sugg := Suggestion{
		Command:     command,
		Explanation: ExplainGenerated,
		IsDangerous: s.policy.IsDangerous(command),
	}
	if s.cache != nil {
		s.cache.SetWithTTL(cacheKey(query, env), sugg, 1, s.ttl)
		s.cache.Wait()
	}
	return sugg, nil
}

func (s *Service) fallback() Suggestion {
	return Suggestion{Command: FallbackCommand, Explanation: ExplainFallback}
}

// Stream yields the suggested command in chunks. Backends that cannot
// stream yield the whole command once.
func (s *Service) Stream(ctx context.Context, query string, env domain.Environment) iter.Seq2[string, error] {
	if env.Cwd == "" {
		env.Cwd = "."
	}
	if streamer, ok := s.suggester.(reasoning.Streamer); ok {
		return streamer.StreamSuggest(ctx, query, env)
	}
	return func(yield func(string, error) bool) {
		sugg, err := s.Suggest(ctx, query, env)
		if err != nil {
			yield("", err)
			return
		}
		yield(sugg.Command, nil)
	}
}
