// Package executor runs shell commands and file operations on behalf of the agent.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/semaphore"
)

// ErrEmptyCommand is returned when asked to run a blank command.
var ErrEmptyCommand = errors.New("empty command")

// Output is the captured result of a finished command.
type Output struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
}

// Executor runs one shell command to completion.
type Executor interface {
	Run(ctx context.Context, command string) (Output, error)
}

// Files reads and writes files for the agent.
type Files interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
}

// Pool limits concurrent command executions using a weighted semaphore.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a Pool that allows at most limit concurrent commands.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit))}
}

// Run acquires a slot, runs fn, and releases the slot. A nil pool runs fn
// directly.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// OSFiles accesses the local filesystem.
type OSFiles struct{}

// Read returns the content of path.
func (OSFiles) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Write replaces the content of path, creating missing parent directories.
func (OSFiles) Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ResolvePath expands a leading ~ and makes path absolute.
func ResolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	return abs, nil
}

// limitedWriter keeps at most max bytes and silently drops the rest.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
