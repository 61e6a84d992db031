package domain

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// CommandEntry is one command result reported by the shell integration.
type CommandEntry struct {
	Command   string    `json:"command"`
	ExitCode  int       `json:"exit_code"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	defaultCommandLogSize = 10
	reportedStreamRunes   = 1000
	summaryStreamRunes    = 200
)

// CommandLog keeps the most recent commands reported by the shell.
// It keeps up to twice its size before compacting back to size entries.
type CommandLog struct {
	mu      sync.RWMutex
	size    int
	entries []CommandEntry
	now     func() time.Time
}

// NewCommandLog creates a command log holding at least size entries.
func NewCommandLog(size int) *CommandLog {
	if size <= 0 {
		size = defaultCommandLogSize
	}
	return &CommandLog{size: size, now: time.Now}
}

// RecordCommand adds a command result to the log.
func (l *CommandLog) RecordCommand(cmd string, exitCode int, stdout, stderr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, CommandEntry{
		Command:   cmd,
		ExitCode:  exitCode,
		Stdout:    Clip(stdout, reportedStreamRunes),
		Stderr:    Clip(stderr, reportedStreamRunes),
		Timestamp: l.now(),
	})

	if len(l.entries) > l.size*2 {
		l.entries = append([]CommandEntry(nil), l.entries[len(l.entries)-l.size:]...)
	}
}

// RecentCommands returns up to n of the latest commands, oldest first.
func (l *CommandLog) RecentCommands(n int) []CommandEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > l.size {
		n = l.size
	}
	if n >= len(l.entries) {
		return append([]CommandEntry(nil), l.entries...)
	}
	return append([]CommandEntry(nil), l.entries[len(l.entries)-n:]...)
}

// Last returns the most recent command, if any.
func (l *CommandLog) Last() (CommandEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.entries) == 0 {
		return CommandEntry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Enrich fills the last-command fields of env from the log when the
// caller did not supply them.
func (l *CommandLog) Enrich(env Environment) Environment {
	if env.LastCommand != "" {
		return env
	}
	last, ok := l.Last()
	if !ok {
		return env
	}
	code := last.ExitCode
	env.LastCommand = last.Command
	env.LastExitCode = &code
	return env
}

// Summary renders the environment and last reported command for prompts.
func (l *CommandLog) Summary(env Environment) string {
	lines := []string{
		"os: " + env.OS,
		"shell: " + env.Shell,
		"cwd: " + env.Cwd,
	}
	if env.User != "" || env.Hostname != "" {
		lines = append(lines, fmt.Sprintf("user: %s@%s", env.User, env.Hostname))
	}
	if last, ok := l.Last(); ok {
		lines = append(lines,
			"last command: "+last.Command,
			fmt.Sprintf("exit code: %d", last.ExitCode),
		)
		if last.Stdout != "" {
			lines = append(lines, "stdout: "+Clip(last.Stdout, summaryStreamRunes))
		}
		if last.Stderr != "" {
			lines = append(lines, "stderr: "+Clip(last.Stderr, summaryStreamRunes))
		}
	}
	return strings.Join(lines, "\n")
}
