// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Agent    AgentConfig    `yaml:"agent"`
	Shell    ShellConfig    `yaml:"shell"`
	Executor ExecutorConfig `yaml:"executor"`
	Journal  JournalConfig  `yaml:"journal"`
	Suggest  SuggestConfig  `yaml:"suggest"`
	Log      LogConfig      `yaml:"log"`
	Debug    DebugConfig    `yaml:"debug"`

	// Source is the file the configuration was read from, empty for defaults.
	Source string `yaml:"-"`
}

// LLMConfig selects and configures the reasoning backend.
type LLMConfig struct {
	Provider        string        `yaml:"provider"` // openai, gemini, grpc, none
	APIBase         string        `yaml:"api_base"`
	APIKey          string        `yaml:"api_key"`
	Model           string        `yaml:"model"`
	Temperature     float64       `yaml:"temperature"`
	MaxTokens       int           `yaml:"max_tokens"`
	Timeout         time.Duration `yaml:"timeout"`
	GrpcAddress     string        `yaml:"grpc_address"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// DaemonConfig controls the HTTP daemon.
type DaemonConfig struct {
	Host        string  `yaml:"host"`
	Port        int     `yaml:"port"`
	FrontendURL string  `yaml:"frontend_url"`
	RateLimit   float64 `yaml:"rate_limit"` // requests per second per client, 0 disables
	RateBurst   int     `yaml:"rate_burst"`
	MaxBodySize int64   `yaml:"max_body_size"`
	GrpcListen  string  `yaml:"grpc_listen"` // serve the reasoning backend over gRPC when set
}

// AgentConfig controls agent sessions.
type AgentConfig struct {
	DefaultMode       string        `yaml:"default_mode"`
	MaxIterations     int           `yaml:"max_iterations"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
	DangerousCommands []string      `yaml:"dangerous_commands"`
}

// ShellConfig is passed through to the shell plugin.
type ShellConfig struct {
	DoubleTabThreshold int `yaml:"double_tab_threshold"` // milliseconds
	RequestTimeout     int `yaml:"request_timeout"`      // seconds
}

// ExecutorConfig selects where agent commands run.
type ExecutorConfig struct {
	Kind        string        `yaml:"kind"` // shell, docker
	Shell       string        `yaml:"shell"`
	WorkDir     string        `yaml:"work_dir"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxCapture  int64         `yaml:"max_capture"`
	Concurrency int           `yaml:"concurrency"`
	Container   string        `yaml:"container"`
	User        string        `yaml:"user"`
}

// JournalConfig controls the SQLite step journal.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// SuggestConfig controls the suggestion cache.
type SuggestConfig struct {
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	CacheEntries int64         `yaml:"cache_entries"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DebugConfig enables the debug endpoints.
type DebugConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:        "openai",
			APIBase:         "http://127.0.0.1:8000/v1",
			APIKey:          "sk-dummy-key",
			Model:           "gpt-3.5-turbo",
			Temperature:     0.1,
			MaxTokens:       200,
			Timeout:         60 * time.Second,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Daemon: DaemonConfig{
			Host:        "127.0.0.1",
			Port:        28001,
			RateLimit:   10,
			RateBurst:   20,
			MaxBodySize: 1 << 20,
		},
		Agent: AgentConfig{
			DefaultMode:   "default",
			MaxIterations: 10,
			SessionTTL:    2 * time.Hour,
		},
		Shell: ShellConfig{
			DoubleTabThreshold: 400,
			RequestTimeout:     30,
		},
		Executor: ExecutorConfig{
			Kind:        "shell",
			Shell:       "/bin/sh",
			Timeout:     30 * time.Second,
			MaxCapture:  64 << 10,
			Concurrency: 4,
		},
		Journal: JournalConfig{
			Enabled:   true,
			Path:      "./data/autoshell.db",
			Retention: 7 * 24 * time.Hour,
		},
		Suggest: SuggestConfig{
			CacheTTL:     5 * time.Minute,
			CacheEntries: 1000,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// SearchPaths lists candidate config files in priority order.
func SearchPaths() []string {
	var paths []string
	if p, ok := os.LookupEnv("AUTO_SHELL_CONFIG"); ok && p != "" {
		paths = append(paths, p)
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths,
			filepath.Join(cwd, "config.yaml"),
			filepath.Join(cwd, ".auto-shell", "config.yaml"),
		)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".auto-shell", "config.yaml"),
			filepath.Join(home, ".config", "auto-shell", "config.yaml"),
		)
	}
	return append(paths, "/etc/auto-shell/config.yaml")
}

// FindFile returns the first existing config file, or "".
func FindFile() string {
	for _, p := range SearchPaths() {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// Load builds the configuration from defaults, the YAML file at path (or
// the first file on the search path when path is empty) and AUTO_SHELL_*
// environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = FindFile()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			cfg.Source = path
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LLM.Provider = getEnv("AUTO_SHELL_PROVIDER", c.LLM.Provider)
	c.LLM.APIBase = getEnv("AUTO_SHELL_API_BASE", c.LLM.APIBase)
	c.LLM.APIKey = getEnv("AUTO_SHELL_API_KEY", c.LLM.APIKey)
	c.LLM.Model = getEnv("AUTO_SHELL_MODEL", c.LLM.Model)
	c.LLM.GrpcAddress = getEnv("AUTO_SHELL_GRPC_ADDRESS", c.LLM.GrpcAddress)
	c.LLM.Timeout = getEnvDuration("AUTO_SHELL_LLM_TIMEOUT", c.LLM.Timeout)

	c.Daemon.Host = getEnv("AUTO_SHELL_DAEMON_HOST", c.Daemon.Host)
	c.Daemon.Port = getEnvInt("AUTO_SHELL_DAEMON_PORT", c.Daemon.Port)
	c.Daemon.FrontendURL = getEnv("AUTO_SHELL_FRONTEND_URL", c.Daemon.FrontendURL)
	c.Daemon.GrpcListen = getEnv("AUTO_SHELL_GRPC_LISTEN", c.Daemon.GrpcListen)

	c.Agent.DefaultMode = getEnv("AUTO_SHELL_AGENT_MODE", c.Agent.DefaultMode)
	c.Agent.MaxIterations = getEnvInt("AUTO_SHELL_MAX_ITERATIONS", c.Agent.MaxIterations)
	c.Agent.SessionTTL = getEnvDuration("AUTO_SHELL_SESSION_TTL", c.Agent.SessionTTL)

	c.Executor.Kind = getEnv("AUTO_SHELL_EXECUTOR", c.Executor.Kind)
	c.Executor.Container = getEnv("AUTO_SHELL_DOCKER_CONTAINER", c.Executor.Container)
	c.Executor.WorkDir = getEnv("AUTO_SHELL_WORK_DIR", c.Executor.WorkDir)

	c.Journal.Enabled = getEnvBool("AUTO_SHELL_JOURNAL_ENABLED", c.Journal.Enabled)
	c.Journal.Path = getEnv("AUTO_SHELL_JOURNAL_PATH", c.Journal.Path)

	c.Log.Level = getEnv("AUTO_SHELL_LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("AUTO_SHELL_LOG_FILE", c.Log.File)

	c.Debug.Enabled = getEnvBool("AUTO_SHELL_DEBUG", c.Debug.Enabled)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai":
		if c.LLM.APIBase == "" {
			return fmt.Errorf("llm.api_base cannot be empty")
		}
	case "gemini":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key cannot be empty for gemini")
		}
	case "grpc":
		if c.LLM.GrpcAddress == "" {
			return fmt.Errorf("llm.grpc_address cannot be empty for grpc")
		}
	case "none":
	default:
		return fmt.Errorf("unknown llm.provider %q", c.LLM.Provider)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be > 0")
	}
	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port must be between 1 and 65535")
	}
	if c.Daemon.Host == "" {
		return fmt.Errorf("daemon.host cannot be empty")
	}
	switch c.Agent.DefaultMode {
	case "default", "auto", "full_auto":
	default:
		return fmt.Errorf("unknown agent.default_mode %q", c.Agent.DefaultMode)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be > 0")
	}
	if c.Agent.SessionTTL <= 0 {
		return fmt.Errorf("agent.session_ttl must be > 0")
	}
	switch c.Executor.Kind {
	case "shell":
	case "docker":
		if c.Executor.Container == "" {
			return fmt.Errorf("executor.container cannot be empty for docker")
		}
	default:
		return fmt.Errorf("unknown executor.kind %q", c.Executor.Kind)
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path cannot be empty")
	}
	return nil
}

// Addr returns the daemon listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Daemon.Host, strconv.Itoa(c.Daemon.Port))
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Daemon.FrontendURL == "" ||
		strings.Contains(c.Daemon.FrontendURL, "localhost") ||
		strings.Contains(c.Daemon.FrontendURL, "127.0.0.1")
}

// Holder guards the live configuration and reloads it on demand.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewHolder wraps cfg. Reloads read path, or search again when empty.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{cfg: cfg, path: path}
}

// Get returns the current configuration. Callers must not modify it.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Reload reads the configuration again. The previous configuration stays
// in effect when loading fails.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := Load(h.path)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
