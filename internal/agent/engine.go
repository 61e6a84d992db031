package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/autoshell/internal/domain"
	"github.com/ashureev/autoshell/internal/executor"
	"github.com/ashureev/autoshell/internal/reasoning"
	"github.com/ashureev/autoshell/internal/safety"
)

// DefaultMaxIterations bounds a run when the caller gives no limit.
const DefaultMaxIterations = 10

// EngineConfig wires an Engine.
type EngineConfig struct {
	Proposer         reasoning.Proposer
	Policy           *safety.Policy
	Executor         executor.Executor
	Files            executor.Files
	ReasoningTimeout time.Duration
	Logger           *slog.Logger
}

// Engine executes actions and runs the agent loops. It holds no
// per-session state and is safe for concurrent use.
type Engine struct {
	proposer         reasoning.Proposer
	policy           *safety.Policy
	exec             executor.Executor
	files            executor.Files
	reasoningTimeout time.Duration
	logger           *slog.Logger
}

// NewEngine creates an engine. Missing policy and files fall back to the
// default policy and the local filesystem.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Policy == nil {
		cfg.Policy = safety.MustDefault()
	}
	if cfg.Files == nil {
		cfg.Files = executor.OSFiles{}
	}
	if cfg.ReasoningTimeout <= 0 {
		cfg.ReasoningTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		proposer:         cfg.Proposer,
		policy:           cfg.Policy,
		exec:             cfg.Executor,
		files:            cfg.Files,
		reasoningTimeout: cfg.ReasoningTimeout,
		logger:           cfg.Logger,
	}
}

// Policy returns the safety policy used by the engine.
func (e *Engine) Policy() *safety.Policy {
	return e.policy
}

// Execute performs one action in mode. Failures are reported in the
// result, never as a Go error. A nil confirmer approves everything.
func (e *Engine) Execute(ctx context.Context, mode domain.Mode, action domain.Action, confirm Confirmer) domain.ActionResult {
	return e.execute(ctx, "", mode, action, confirm)
}

func (e *Engine) execute(ctx context.Context, sessionID string, mode domain.Mode, action domain.Action, confirm Confirmer) domain.ActionResult {
	if confirm == nil {
		confirm = ApproveAll
	}

	switch a := action.(type) {
	case domain.Execute:
		return e.runCommand(ctx, sessionID, mode, a, confirm)
	case domain.ReadFile:
		return e.readFile(a)
	case domain.WriteFile:
		return e.writeFile(ctx, sessionID, mode, a, confirm)
	case domain.AskUser:
		r := domain.ActionResult{Action: domain.KindAskUser, Success: true, NeedsConfirmation: true}
		r.SetOutput(a.Question, domain.MaxOutputRunes)
		return r
	case domain.Done:
		msg := a.Message
		if msg == "" {
			msg = MsgDefaultDone
		}
		r := domain.ActionResult{Action: domain.KindDone, Success: true}
		r.SetOutput(msg, domain.MaxOutputRunes)
		return r
	case domain.Error:
		msg := a.Message
		if msg == "" {
			msg = MsgProposalFailed
		}
		r := domain.ActionResult{Action: domain.KindError}
		r.SetError(msg)
		return r
	default:
		return domain.ActionResult{Action: domain.KindUnknown, Error: MsgUnknownAction}
	}
}

// gate asks the confirmer when the verdict requires it. It returns a
// failure result when the action must not run.
func (e *Engine) gate(ctx context.Context, sessionID string, mode domain.Mode, action domain.Action, verdict safety.Verdict, confirm Confirmer, result *domain.ActionResult) bool {
	result.NeedsConfirmation = verdict.NeedsConfirmation
	result.IsDangerous = verdict.IsDangerous
	if !verdict.NeedsConfirmation {
		return true
	}

	decision := confirm.Confirm(ctx, ConfirmRequest{SessionID: sessionID, Mode: mode, Action: action, Verdict: verdict})
	switch decision {
	case Approve:
		return true
	case Deny:
		result.Error = MsgDeclined
	default:
		result.Error = MsgAwaitingClient
	}
	e.logger.Info("Action not executed", "session_id", sessionID, "action", action.Kind(), "decision", decision.String())
	return false
}

func (e *Engine) runCommand(ctx context.Context, sessionID string, mode domain.Mode, a domain.Execute, confirm Confirmer) domain.ActionResult {
	result := domain.ActionResult{Action: domain.KindExecute, Command: a.Command}
	if strings.TrimSpace(a.Command) == "" {
		result.Error = MsgEmptyCommand
		return result
	}

	if !e.gate(ctx, sessionID, mode, a, e.policy.Evaluate(mode, a), confirm, &result) {
		return result
	}
	if e.exec == nil {
		result.Error = "no executor configured"
		return result
	}

	out, err := e.exec.Run(ctx, a.Command)
	result.Truncated = out.Truncated
	if err != nil {
		e.logger.Warn("Command execution failed", "session_id", sessionID, "command", a.Command, "error", err)
		result.SetOutput(out.Stdout, domain.MaxOutputRunes)
		result.SetError(err.Error())
		return result
	}

	result.Success = out.ExitCode == 0
	result.SetOutput(out.Stdout, domain.MaxOutputRunes)
	result.SetError(out.Stderr)
	return result
}

func (e *Engine) readFile(a domain.ReadFile) domain.ActionResult {
	result := domain.ActionResult{Action: domain.KindReadFile}
	if strings.TrimSpace(a.Path) == "" {
		result.Error = MsgNoPath
		return result
	}

	path, err := executor.ResolvePath(a.Path)
	if err != nil {
		result.SetError(err.Error())
		return result
	}

	data, err := e.files.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		result.Error = "file not found: " + path
		return result
	}
	if err != nil {
		result.SetError(fmt.Sprintf("read %s: %v", path, err))
		return result
	}

	result.Success = true
	result.SetOutput(string(data), domain.MaxFileReadRunes)
	return result
}

func (e *Engine) writeFile(ctx context.Context, sessionID string, mode domain.Mode, a domain.WriteFile, confirm Confirmer) domain.ActionResult {
	result := domain.ActionResult{Action: domain.KindWriteFile}
	if strings.TrimSpace(a.Path) == "" {
		result.Error = MsgNoPath
		return result
	}

	if !e.gate(ctx, sessionID, mode, a, e.policy.Evaluate(mode, a), confirm, &result) {
		return result
	}

	path, err := executor.ResolvePath(a.Path)
	if err != nil {
		result.SetError(err.Error())
		return result
	}
	if err := e.files.Write(path, []byte(a.Content)); err != nil {
		result.SetError(fmt.Sprintf("write %s: %v", path, err))
		return result
	}

	result.Success = true
	result.Output = fmt.Sprintf("wrote %d characters to %s", utf8.RuneCountInString(a.Content), path)
	return result
}

// propose asks the reasoning engine for one action. Errors and timeouts
// become Error actions.
func (e *Engine) propose(ctx context.Context, req reasoning.Request) domain.Action {
	if e.proposer == nil {
		return domain.Error{Message: "no reasoning engine configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, e.reasoningTimeout)
	defer cancel()

	action, err := e.proposer.Propose(ctx, req)
	if err != nil {
		e.logger.Error("Reasoning engine failed", "session_id", req.SessionID, "error", err)
		return domain.Error{Message: err.Error()}
	}
	if action == nil {
		return domain.Error{Message: MsgProposalFailed}
	}
	return action
}

// Run drives a bounded loop: propose, execute, record. It stops on Done,
// on an Error action, or after MaxIterations.
func (e *Engine) Run(ctx context.Context, req RunRequest) RunReport {
	limit := req.MaxIterations
	if limit <= 0 {
		limit = DefaultMaxIterations
	}

	report := RunReport{Status: domain.StatusExhausted}
	for i := 1; i <= limit; i++ {
		if ctx.Err() != nil {
			report.Status = domain.StatusFailed
			report.FinalMessage = ctx.Err().Error()
			break
		}

		action := e.propose(ctx, reasoning.Request{Query: req.Task, Context: req.Context, History: report.History})
		e.logger.Info("Agent iteration", "iteration", i, "action", action.Kind())

		result := e.execute(ctx, "", req.Mode, action, req.Confirmer)
		report.Actions = append(report.Actions, action)
		report.Results = append(report.Results, result)
		report.History = append(report.History,
			domain.HistoryEntry{Role: domain.RoleAssistant, Content: domain.EncodeAction(action)},
			domain.HistoryEntry{Role: domain.RoleUser, Content: "result: " + result.Summary()},
		)
		if req.OnStep != nil {
			req.OnStep(i, action, result)
		}

		if done, ok := action.(domain.Done); ok {
			report.Complete = true
			report.Status = domain.StatusCompleted
			report.FinalMessage = done.Message
			if report.FinalMessage == "" {
				report.FinalMessage = MsgDefaultDone
			}
			break
		}
		if _, ok := action.(domain.Error); ok {
			report.Status = domain.StatusFailed
			report.FinalMessage = result.Error
			break
		}
		if result.Error == MsgAwaitingClient {
			// A deferred action pauses the run; the caller decides how to resume.
			report.Status = domain.StatusRunning
			report.FinalMessage = MsgAwaitingClient
			break
		}
	}
	if report.Status == domain.StatusExhausted {
		report.FinalMessage = MsgIterationsReached
	}
	return report
}

// Step performs one resumable cycle: fold in the user reply, propose,
// execute, and append the assistant record.
func (e *Engine) Step(ctx context.Context, req StepRequest) StepOutcome {
	history := make([]domain.HistoryEntry, 0, len(req.History)+2)
	history = append(history, req.History...)
	if req.UserReply != "" {
		history = append(history, domain.HistoryEntry{Role: domain.RoleUser, Content: req.UserReply})
	}

	action := e.propose(ctx, reasoning.Request{
		SessionID: req.SessionID,
		Query:     req.Task,
		Context:   req.Context,
		History:   history,
	})
	e.logger.Info("Agent step", "session_id", req.SessionID, "action", action.Kind())

	result := e.execute(ctx, req.SessionID, req.Mode, action, req.Confirmer)
	history = append(history, domain.HistoryEntry{Role: domain.RoleAssistant, Content: domain.EncodeAction(action)})

	return StepOutcome{Action: action, Result: result, History: history}
}
