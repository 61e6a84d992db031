// Package agent executes proposed actions under the safety policy and
// drives the bounded and resumable agent loops.
package agent

import (
	"context"

	"github.com/ashureev/autoshell/internal/domain"
	"github.com/ashureev/autoshell/internal/safety"
)

// Decision is the answer to a confirmation request.
type Decision int

const (
	// Approve lets the action run.
	Approve Decision = iota
	// Deny rejects the action.
	Deny
	// Defer leaves the action for the client to run after asking the user.
	Defer
)

func (d Decision) String() string {
	switch d {
	case Approve:
		return "approve"
	case Deny:
		return "deny"
	default:
		return "defer"
	}
}

// ConfirmRequest describes a gated action.
type ConfirmRequest struct {
	SessionID string
	Mode      domain.Mode
	Action    domain.Action
	Verdict   safety.Verdict
}

// Confirmer decides whether a gated action may run.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmRequest) Decision
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, req ConfirmRequest) Decision

// Confirm calls f.
func (f ConfirmFunc) Confirm(ctx context.Context, req ConfirmRequest) Decision {
	return f(ctx, req)
}

var (
	// ApproveAll approves every gated action.
	ApproveAll Confirmer = ConfirmFunc(func(context.Context, ConfirmRequest) Decision { return Approve })
	// DenyAll rejects every gated action.
	DenyAll Confirmer = ConfirmFunc(func(context.Context, ConfirmRequest) Decision { return Deny })
	// DeferAll hands every gated action back to the client.
	DeferAll Confirmer = ConfirmFunc(func(context.Context, ConfirmRequest) Decision { return Defer })
)

// Failure messages carried in ActionResult.Error.
const (
	MsgEmptyCommand      = "empty command"
	MsgNoPath            = "no file path given"
	MsgDeclined          = "execution declined by user"
	MsgAwaitingClient    = "awaiting confirmation from client"
	MsgUnknownAction     = "unknown action type"
	MsgProposalFailed    = "reasoning engine failed to propose an action"
	MsgDefaultDone       = "task complete"
	MsgIterationsReached = "max iterations reached"
)

// StepObserver is told about every executed step of a run.
type StepObserver func(iteration int, action domain.Action, result domain.ActionResult)

// RunRequest starts a bounded multi-turn run.
type RunRequest struct {
	Task          string
	Context       domain.Environment
	Mode          domain.Mode
	MaxIterations int
	Confirmer     Confirmer
	OnStep        StepObserver
}

// RunReport is the outcome of Run.
type RunReport struct {
	Actions      []domain.Action
	Results      []domain.ActionResult
	History      []domain.HistoryEntry
	Complete     bool
	FinalMessage string
	Status       domain.SessionStatus
}

// StepRequest asks for one resumable step.
type StepRequest struct {
	SessionID string
	Task      string
	Context   domain.Environment
	Mode      domain.Mode
	History   []domain.HistoryEntry
	UserReply string
	Confirmer Confirmer
}

// StepOutcome is the outcome of Step. History is a new slice; the
// request's history is never modified.
type StepOutcome struct {
	Action  domain.Action
	Result  domain.ActionResult
	History []domain.HistoryEntry
}
