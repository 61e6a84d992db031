package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ashureev/autoshell/internal/protocol"
	"github.com/ashureev/autoshell/internal/replay"
	"github.com/ashureev/autoshell/internal/session"
)

// DebugStartSession starts a session that replays a built-in script
// instead of calling the reasoning backend. Query parameters: task names
// the script, mode the agent mode.
func (h *Handler) DebugStartSession(w http.ResponseWriter, r *http.Request) {
	if h.replay == nil {
		Error(w, http.StatusNotFound, "debug scripts are not available")
		return
	}
	script := r.URL.Query().Get("task")
	if script == "" {
		script = replay.ScriptListFiles
	}
	if !h.replay.HasScript(script) {
		Error(w, http.StatusBadRequest, fmt.Sprintf("unknown debug script %q, available: %s",
			script, strings.Join(h.replay.Scripts(), ", ")))
		return
	}

	env := protocol.ShellEnv{}.Environment()
	sess := h.sessions.Create(r.Context(), script, env, h.mode(r.URL.Query().Get("mode")), 0)
	if err := h.replay.Bind(sess.ID, script); err != nil {
		if errors.Is(err, replay.ErrUnknownScript) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("Debug session started", "session_id", sess.ID, "script", script)

	h.advance(w, r, sess.ID, "")
}

// DebugStepSession advances a debug session.
func (h *Handler) DebugStepSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.SessionStepRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if h.replay == nil || !h.replay.Bound(req.SessionID) {
		if _, ok := h.sessions.Get(req.SessionID); !ok {
			Error(w, http.StatusNotFound, fmt.Sprintf("session %q not found", req.SessionID))
			return
		}
		Error(w, http.StatusBadRequest, "session is not a debug session")
		return
	}

	exitCode := 0
	if req.LastExitCode != nil {
		exitCode = *req.LastExitCode
	}
	h.advance(w, r, req.SessionID, session.FormatExternalResult(req.LastCommand, exitCode, req.LastStdout, req.LastStderr))
}
