package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ashureev/autoshell/internal/agent"
	"github.com/ashureev/autoshell/internal/domain"
	"github.com/ashureev/autoshell/internal/protocol"
	"github.com/ashureev/autoshell/internal/session"
	"github.com/ashureev/autoshell/internal/store"
	"github.com/go-chi/chi/v5"
)

// journalResponse is the body of GET /v1/agent/session/{id}/journal.
type journalResponse struct {
	Session *store.SessionRecord `json:"session"`
	Steps   []store.StepRecord   `json:"steps"`
}

func newStepResponse(res session.StepResult) protocol.SessionStep {
	sess := res.Session
	resp := protocol.SessionStep{
		SessionID:    sess.ID,
		Iteration:    sess.Iteration,
		TaskComplete: sess.Finished(),
		FinalMessage: sess.FinalMessage,
		Status:       string(sess.Status),
	}
	if res.Result == nil {
		resp.Action = string(domain.KindDone)
		if sess.Status == domain.StatusFailed {
			resp.Action = string(domain.KindError)
		}
		if resp.FinalMessage == "" {
			resp.FinalMessage = agent.MsgDefaultDone
		}
		return resp
	}

	r := res.Result
	resp.Action = string(r.Action)
	resp.Command = domain.CommandOf(res.Action)
	resp.Output = domain.Clip(r.Output, stepOutputRunes)
	resp.Error = domain.Clip(r.Error, stepErrorRunes)
	resp.IsDangerous = r.IsDangerous
	resp.NeedsConfirmation = r.NeedsConfirmation
	return resp
}

// StartSession creates an agent session and returns its first step.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.SessionStartRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		Error(w, http.StatusBadRequest, "task is required")
		return
	}

	mode := h.mode(req.Mode)
	env := h.commands.Enrich(req.Environment())
	sess := h.sessions.Create(r.Context(), req.Task, env, mode, req.MaxIterations)
	h.logger.Info("Agent session started", "session_id", sess.ID, "task", req.Task, "mode", mode)

	h.advance(w, r, sess.ID, "")
}

// StepSession reports the outcome of the previous step and returns the next.
func (h *Handler) StepSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.SessionStepRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	exitCode := 0
	if req.LastExitCode != nil {
		exitCode = *req.LastExitCode
	}
	if req.LastCommand != "" {
		h.commands.RecordCommand(req.LastCommand, exitCode, req.LastStdout, req.LastStderr)
	}
	reply := session.FormatExternalResult(req.LastCommand, exitCode, req.LastStdout, req.LastStderr)

	h.advance(w, r, req.SessionID, reply)
}

func (h *Handler) advance(w http.ResponseWriter, r *http.Request, id, reply string) {
	res, err := h.sessions.Advance(r.Context(), id, reply)
	if errors.Is(err, session.ErrNotFound) {
		Error(w, http.StatusNotFound, fmt.Sprintf("session %q not found or expired", id))
		return
	}
	if err != nil {
		h.logger.Error("Agent session step failed", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, newStepResponse(res))
}

// GetSession returns the state of one session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := h.sessions.Get(id)
	if !ok {
		Error(w, http.StatusNotFound, fmt.Sprintf("session %q not found", id))
		return
	}
	JSON(w, http.StatusOK, protocol.SessionStatus{
		SessionID:     sess.ID,
		Task:          sess.Task,
		Mode:          string(sess.Mode),
		Status:        string(sess.Status),
		Iteration:     sess.Iteration,
		MaxIterations: sess.MaxIterations,
		TaskComplete:  sess.Finished(),
		FinalMessage:  sess.FinalMessage,
		HistoryLength: len(sess.History),
		CreatedAt:     sess.CreatedAt,
		UpdatedAt:     sess.UpdatedAt,
	})
}

// DeleteSession cancels a session.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.Delete(id); err != nil {
		Error(w, http.StatusNotFound, fmt.Sprintf("session %q not found", id))
		return
	}
	JSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok", Message: fmt.Sprintf("session %s deleted", id)})
}

// ListSessions lists live sessions, oldest first.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.sessions.List()
	resp := protocol.SessionList{Count: len(sessions), Sessions: make([]protocol.SessionSummary, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, protocol.SessionSummary{
			SessionID:    s.ID,
			Task:         domain.Clip(s.Task, listTaskRunes),
			Mode:         string(s.Mode),
			Status:       string(s.Status),
			Iteration:    s.Iteration,
			TaskComplete: s.Finished(),
			CreatedAt:    s.CreatedAt,
		})
	}
	JSON(w, http.StatusOK, resp)
}

// SessionJournal returns the journaled steps of a session, including
// sessions that already expired from memory.
func (h *Handler) SessionJournal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.journal.Session(r.Context(), id)
	if err != nil {
		h.logger.Error("Journal lookup failed", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	if rec == nil {
		Error(w, http.StatusNotFound, fmt.Sprintf("no journal for session %q", id))
		return
	}
	steps, err := h.journal.Steps(r.Context(), id)
	if err != nil {
		h.logger.Error("Journal lookup failed", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	if steps == nil {
		steps = []store.StepRecord{}
	}
	JSON(w, http.StatusOK, journalResponse{Session: rec, Steps: steps})
}

// PurgeJournal removes the journaled steps of a session.
func (h *Handler) PurgeJournal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.journal.DeleteSession(r.Context(), id); err != nil {
		h.logger.Error("Journal purge failed", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	JSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok"})
}
