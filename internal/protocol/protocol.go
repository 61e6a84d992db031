// Package protocol defines the JSON messages exchanged between the shell
// integration, the CLI, and the daemon.
package protocol

import (
	"time"

	"github.com/ashureev/autoshell/internal/domain"
)

// Defaults applied when the shell omits a field.
const (
	DefaultOS    = "Linux"
	DefaultShell = "zsh"
	DefaultCwd   = "."
)

// ShellEnv is the terminal description sent with queries and tasks.
type ShellEnv struct {
	Cwd          string `json:"cwd,omitempty"`
	OS           string `json:"os,omitempty"`
	Shell        string `json:"shell,omitempty"`
	LastCommand  string `json:"last_command,omitempty"`
	LastExitCode *int   `json:"last_exit_code,omitempty"`
}

// Environment converts e to a domain environment, filling defaults.
func (e ShellEnv) Environment() domain.Environment {
	env := domain.Environment{
		Cwd:          e.Cwd,
		OS:           e.OS,
		Shell:        e.Shell,
		LastCommand:  e.LastCommand,
		LastExitCode: e.LastExitCode,
	}
	if env.Cwd == "" {
		env.Cwd = DefaultCwd
	}
	if env.OS == "" {
		env.OS = DefaultOS
	}
	if env.Shell == "" {
		env.Shell = DefaultShell
	}
	return env
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse acknowledges a request without other data.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health is the body of GET /health.
type Health struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// ConfigInfo is the body of GET /config.
type ConfigInfo struct {
	LLMAPIBase string `json:"llm_api_base"`
	LLMModel   string `json:"llm_model"`
	DaemonHost string `json:"daemon_host"`
	DaemonPort int    `json:"daemon_port"`
	AgentMode  string `json:"agent_mode"`
}

// SuggestRequest asks for a single command.
type SuggestRequest struct {
	Query string `json:"query"`
	ShellEnv
}

// Suggestion answers a SuggestRequest. UseAgent tells the shell to start
// an agent session instead.
type Suggestion struct {
	Command     string `json:"command"`
	Explanation string `json:"explanation"`
	IsDangerous bool   `json:"is_dangerous"`
	UseAgent    bool   `json:"use_agent"`
}

// StreamChunk is one server-sent event of a streamed suggestion.
type StreamChunk struct {
	Chunk string `json:"chunk,omitempty"`
	Error string `json:"error,omitempty"`
}

// StreamDone terminates a suggestion stream.
const StreamDone = "[DONE]"

// CommandResult reports a command the shell ran.
type CommandResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// AgentRequest runs a bounded agent loop on the daemon host.
type AgentRequest struct {
	Query string `json:"query"`
	ShellEnv
	Mode          string `json:"mode,omitempty"`
	AutoConfirm   bool   `json:"auto_confirm,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// AgentStep is one executed step of a bounded run.
type AgentStep struct {
	Iteration         int    `json:"iteration"`
	Action            string `json:"action"`
	Command           string `json:"command,omitempty"`
	Success           bool   `json:"success"`
	Output            string `json:"output"`
	Error             string `json:"error"`
	NeedsConfirmation bool   `json:"needs_confirmation"`
	IsDangerous       bool   `json:"is_dangerous"`
}

// AgentResponse is the outcome of a bounded run.
type AgentResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Status  string      `json:"status,omitempty"`
	Steps   []AgentStep `json:"steps"`
}

// SessionStartRequest creates an agent session.
type SessionStartRequest struct {
	Task string `json:"task"`
	ShellEnv
	Mode          string `json:"mode,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// SessionStepRequest reports the previous step and asks for the next.
// LastCommand is empty when the shell did not run anything.
type SessionStepRequest struct {
	SessionID    string `json:"session_id"`
	LastCommand  string `json:"last_command,omitempty"`
	LastExitCode *int   `json:"last_exit_code,omitempty"`
	LastStdout   string `json:"last_stdout,omitempty"`
	LastStderr   string `json:"last_stderr,omitempty"`
}

// SessionStep is returned by every call that advances a session.
// TaskComplete is true once the session takes no further steps; Status
// tells completion, failure, and exhaustion apart.
type SessionStep struct {
	SessionID         string `json:"session_id"`
	Iteration         int    `json:"iteration"`
	Action            string `json:"action"`
	Command           string `json:"command,omitempty"`
	Output            string `json:"output"`
	Error             string `json:"error"`
	IsDangerous       bool   `json:"is_dangerous"`
	NeedsConfirmation bool   `json:"needs_confirmation"`
	TaskComplete      bool   `json:"task_complete"`
	FinalMessage      string `json:"final_message"`
	Status            string `json:"status"`
}

// SessionStatus describes one live session.
type SessionStatus struct {
	SessionID     string    `json:"session_id"`
	Task          string    `json:"task"`
	Mode          string    `json:"mode"`
	Status        string    `json:"status"`
	Iteration     int       `json:"iteration"`
	MaxIterations int       `json:"max_iterations"`
	TaskComplete  bool      `json:"task_complete"`
	FinalMessage  string    `json:"final_message"`
	HistoryLength int       `json:"history_length"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SessionSummary is one entry of SessionList.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Task         string    `json:"task"`
	Mode         string    `json:"mode"`
	Status       string    `json:"status"`
	Iteration    int       `json:"iteration"`
	TaskComplete bool      `json:"task_complete"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionList is the body of GET /v1/agent/sessions.
type SessionList struct {
	Count    int              `json:"count"`
	Sessions []SessionSummary `json:"sessions"`
}

// Agent socket message types.
const (
	SocketStart          = "start"
	SocketConfirm        = "confirm"
	SocketCancel         = "cancel"
	SocketStarted        = "started"
	SocketConfirmRequest = "confirm_request"
	SocketStep           = "step"
	SocketResult         = "result"
	SocketError          = "error"
)

// SocketRequest is a client message on the agent socket.
type SocketRequest struct {
	Type string `json:"type"`

	// start
	Task string `json:"task,omitempty"`
	ShellEnv
	Mode          string `json:"mode,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`

	// confirm
	ID      int64 `json:"id,omitempty"`
	Approve bool  `json:"approve,omitempty"`
}

// SocketEvent is a server message on the agent socket.
type SocketEvent struct {
	Type        string         `json:"type"`
	ID          int64          `json:"id,omitempty"`
	Action      string         `json:"action,omitempty"`
	Command     string         `json:"command,omitempty"`
	Path        string         `json:"path,omitempty"`
	IsDangerous bool           `json:"is_dangerous,omitempty"`
	Mode        string         `json:"mode,omitempty"`
	Step        *AgentStep     `json:"step,omitempty"`
	Result      *AgentResponse `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}
