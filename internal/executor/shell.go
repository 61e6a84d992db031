package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ShellConfig configures a ShellExecutor.
type ShellConfig struct {
	Shell       string
	WorkDir     string
	Timeout     time.Duration
	MaxCapture  int64
	Concurrency int
}

// DefaultShellConfig returns the defaults used by the daemon.
func DefaultShellConfig() ShellConfig {
	return ShellConfig{
		Shell:       "/bin/sh",
		Timeout:     30 * time.Second,
		MaxCapture:  64 << 10,
		Concurrency: 4,
	}
}

// ShellExecutor runs commands through a local shell.
type ShellExecutor struct {
	cfg  ShellConfig
	pool *Pool
}

// NewShellExecutor creates a local shell executor.
func NewShellExecutor(cfg ShellConfig) *ShellExecutor {
	def := DefaultShellConfig()
	if cfg.Shell == "" {
		cfg.Shell = def.Shell
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxCapture <= 0 {
		cfg.MaxCapture = def.MaxCapture
	}
	return &ShellExecutor{cfg: cfg, pool: NewPool(cfg.Concurrency)}
}

// Run executes command with "<shell> -c". A non-zero exit status is
// reported in Output, not as an error.
func (e *ShellExecutor) Run(ctx context.Context, command string) (Output, error) {
	if strings.TrimSpace(command) == "" {
		return Output{}, ErrEmptyCommand
	}

	var out Output
	err := e.pool.Run(ctx, func() error {
		var runErr error
		out, runErr = e.run(ctx, command)
		return runErr
	})
	return out, err
}

func (e *ShellExecutor) run(ctx context.Context, command string) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.cfg.Shell, "-c", command)
	cmd.Dir = e.cfg.WorkDir
	cmd.WaitDelay = time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: e.cfg.MaxCapture}
	stderr := &limitedWriter{w: &stderrBuf, max: e.cfg.MaxCapture}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	slog.Debug("Shell command finished", "command", command, "duration", time.Since(start))

	out := Output{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, fmt.Errorf("command timed out after %s: %w", e.cfg.Timeout, ctx.Err())
	}
	if ctx.Err() != nil {
		return out, fmt.Errorf("command canceled: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("start command: %w", err)
	}
	return out, nil
}
