// Package reasoning talks to the engines that propose agent actions and
// single shell commands.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/ashureev/autoshell/internal/domain"
)

var (
	// ErrNoCommand is returned when a suggester produced no usable command.
	ErrNoCommand = errors.New("no command produced")
	// ErrNoChoices is returned when a backend answered without content.
	ErrNoChoices = errors.New("empty response from reasoning backend")
)

// Request is everything a proposer sees for one step.
type Request struct {
	SessionID string
	Query     string
	Context   domain.Environment
	History   []domain.HistoryEntry
}

// Proposer returns the next action for a task. Implementations may return
// an error; callers turn it into a domain.Error action.
type Proposer interface {
	Propose(ctx context.Context, req Request) (domain.Action, error)
}

// Suggester turns a query into one shell command.
type Suggester interface {
	Suggest(ctx context.Context, query string, env domain.Environment) (string, error)
}

// Streamer streams raw suggestion text as it is generated.
type Streamer interface {
	StreamSuggest(ctx context.Context, query string, env domain.Environment) iter.Seq2[string, error]
}

// Backend is a reasoning engine offering every capability.
type Backend interface {
	Proposer
	Suggester
	Streamer
	Close()
}

// ProposerFunc adapts a function to Proposer.
type ProposerFunc func(ctx context.Context, req Request) (domain.Action, error)

// Propose calls f.
func (f ProposerFunc) Propose(ctx context.Context, req Request) (domain.Action, error) {
	return f(ctx, req)
}

const commandPrompt = `You are an expert in Linux and Unix terminal commands.
The user describes a task in natural language. Call the run_shell_command tool with one shell command that does it.

Environment:
%s

Rules:
- The command must run as-is in the terminal.
- Prefer GNU core utilities.
- Be careful with destructive commands such as rm -rf or sudo.`

const agentPrompt = `You are a terminal assistant that completes multi-step tasks for the user.

Environment:
%s

Work loop: analyze the request, act one step at a time, adjust the plan from each result.
Call exactly one tool per turn and wait for its result. Dangerous commands need confirmation first.`

// CommandPrompt renders the system prompt for single command suggestions.
func CommandPrompt(env domain.Environment) string {
	return fmt.Sprintf(commandPrompt, FormatEnvironment(env))
}

// AgentPrompt renders the system prompt for agent steps.
func AgentPrompt(env domain.Environment) string {
	return fmt.Sprintf(agentPrompt, FormatEnvironment(env))
}

// FormatEnvironment lists the known environment fields, one per line.
func FormatEnvironment(env domain.Environment) string {
	var lines []string
	add := func(label, value string) {
		if value != "" {
			lines = append(lines, "- "+label+": "+value)
		}
	}
	add("OS", env.OS)
	add("Shell", env.Shell)
	add("Working directory", env.Cwd)
	add("User", env.User)
	add("Host", env.Hostname)
	add("Previous command", env.LastCommand)
	if env.LastExitCode != nil {
		add("Previous exit code", fmt.Sprint(*env.LastExitCode))
	}
	if len(lines) == 0 {
		return "unknown environment"
	}
	return strings.Join(lines, "\n")
}
