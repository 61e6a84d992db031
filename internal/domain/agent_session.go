package domain

import (
	"strings"
	"time"
)

// Mode controls how much confirmation the agent requires.
type Mode string

// Agent modes.
const (
	ModeDefault  Mode = "default"
	ModeAuto     Mode = "auto"
	ModeFullAuto Mode = "full_auto"
)

// ParseMode maps a mode name to a Mode. Unknown names map to ModeDefault.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAuto:
		return ModeAuto
	case ModeFullAuto:
		return ModeFullAuto
	default:
		return ModeDefault
	}
}

// Role identifies the author of a history entry.
type Role string

// History roles.
const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// HistoryEntry is one message of the conversation with the reasoning engine.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Environment describes the terminal the task runs in.
type Environment struct {
	OS           string `json:"os,omitempty"`
	Shell        string `json:"shell,omitempty"`
	Cwd          string `json:"cwd,omitempty"`
	User         string `json:"user,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	LastCommand  string `json:"last_command,omitempty"`
	LastExitCode *int   `json:"last_exit_code,omitempty"`
}

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

// Session statuses.
const (
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusExhausted SessionStatus = "exhausted"
)

// Terminal reports whether no further steps will be taken.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExhausted
}

// AgentSession is the resumable state of one multi-step task.
type AgentSession struct {
	ID            string
	Task          string
	Context       Environment
	Mode          Mode
	History       []HistoryEntry
	Iteration     int
	MaxIterations int
	TaskComplete  bool
	FinalMessage  string
	Status        SessionStatus
	LastResult    *ActionResult
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy safe to hand out of the session store.
func (s *AgentSession) Clone() *AgentSession {
	if s == nil {
		return nil
	}
	out := *s
	out.History = append([]HistoryEntry(nil), s.History...)
	if s.LastResult != nil {
		r := *s.LastResult
		out.LastResult = &r
	}
	if s.Context.LastExitCode != nil {
		code := *s.Context.LastExitCode
		out.Context.LastExitCode = &code
	}
	return &out
}

// Exhausted reports whether the iteration budget is spent.
func (s *AgentSession) Exhausted() bool {
	return s.Iteration >= s.MaxIterations
}

// Finished reports whether Advance must be a no-op.
func (s *AgentSession) Finished() bool {
	return s.TaskComplete || s.Status.Terminal() || s.Exhausted()
}
