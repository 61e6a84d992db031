package api

import (
	"net/http"
	"strings"

	"github.com/ashureev/autoshell/internal/agent"
	"github.com/ashureev/autoshell/internal/domain"
	"github.com/ashureev/autoshell/internal/protocol"
)

const msgAgentFinished = "agent finished"

// mode resolves a requested mode name, falling back to the configured default.
func (h *Handler) mode(name string) domain.Mode {
	if strings.TrimSpace(name) == "" {
		name = h.cfg.Get().Agent.DefaultMode
	}
	return domain.ParseMode(name)
}

func stepResponse(iteration int, result domain.ActionResult) protocol.AgentStep {
	return protocol.AgentStep{
		Iteration:         iteration,
		Action:            string(result.Action),
		Command:           result.Command,
		Success:           result.Success,
		Output:            domain.Clip(result.Output, stepOutputRunes),
		Error:             domain.Clip(result.Error, stepErrorRunes),
		NeedsConfirmation: result.NeedsConfirmation,
		IsDangerous:       result.IsDangerous,
	}
}

func newAgentResponse(report agent.RunReport) protocol.AgentResponse {
	resp := protocol.AgentResponse{
		Success: report.Complete,
		Message: report.FinalMessage,
		Status:  string(report.Status),
		Steps:   make([]protocol.AgentStep, 0, len(report.Results)),
	}
	if resp.Message == "" {
		resp.Message = msgAgentFinished
	}
	for i, result := range report.Results {
		resp.Steps = append(resp.Steps, stepResponse(i+1, result))
	}
	return resp
}

// RunAgent runs a bounded agent loop on the daemon host. With
// auto_confirm every action runs in full_auto mode; otherwise the run
// pauses at the first action that needs confirmation.
func (h *Handler) RunAgent(w http.ResponseWriter, r *http.Request) {
	var req protocol.AgentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		Error(w, http.StatusBadRequest, "query is required")
		return
	}

	mode := h.mode(req.Mode)
	var confirm agent.Confirmer = agent.DeferAll
	if req.AutoConfirm {
		mode = domain.ModeFullAuto
		confirm = agent.ApproveAll
	}
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = h.cfg.Get().Agent.MaxIterations
	}

	h.logger.Info("Agent request", "query", req.Query, "mode", mode)
	report := h.engine.Run(r.Context(), agent.RunRequest{
		Task:          req.Query,
		Context:       h.commands.Enrich(req.Environment()),
		Mode:          mode,
		MaxIterations: maxIter,
		Confirmer:     confirm,
	})

	JSON(w, http.StatusOK, newAgentResponse(report))
}

// MockAgent returns a canned two-step run without a backend.
func (h *Handler) MockAgent(w http.ResponseWriter, r *http.Request) {
	var req protocol.AgentRequest
	if !h.decode(w, r, &req) {
		return
	}
	JSON(w, http.StatusOK, protocol.AgentResponse{
		Success: true,
		Message: "Mock agent finished",
		Status:  string(domain.StatusCompleted),
		Steps: []protocol.AgentStep{
			{
				Iteration: 1,
				Action:    string(domain.KindExecute),
				Command:   "ls -la",
				Success:   true,
				Output:    "total 48\ndrwxr-xr-x  2 user user 4096 ...",
			},
			{
				Iteration: 2,
				Action:    string(domain.KindDone),
				Success:   true,
				Output:    "task complete: listed current directory",
			},
		},
	})
}
