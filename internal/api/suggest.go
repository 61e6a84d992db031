package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ashureev/autoshell/internal/protocol"
	"github.com/ashureev/autoshell/internal/suggest"
)

// Suggest answers a single-shot query with one command, or tells the
// shell to switch to agent mode.
func (h *Handler) Suggest(w http.ResponseWriter, r *http.Request) {
	var req protocol.SuggestRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		Error(w, http.StatusBadRequest, "query is required")
		return
	}

	env := h.commands.Enrich(req.Environment())
	h.logger.Info("Suggestion request", "query", req.Query, "cwd", env.Cwd)

	sugg, err := h.suggest.Suggest(r.Context(), req.Query, env)
	if err != nil {
		h.logger.Warn("Suggestion aborted", "error", err)
		Error(w, http.StatusServiceUnavailable, "suggestion aborted")
		return
	}
	JSON(w, http.StatusOK, protocol.Suggestion(sugg))
}

// SuggestStream streams the suggested command as server-sent events,
// ending with a [DONE] event.
func (h *Handler) SuggestStream(w http.ResponseWriter, r *http.Request) {
	var req protocol.SuggestRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		Error(w, http.StatusBadRequest, "query is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	env := h.commands.Enrich(req.Environment())
	for chunk, err := range h.suggest.Stream(r.Context(), req.Query, env) {
		payload := protocol.StreamChunk{Chunk: chunk}
		if err != nil {
			h.logger.Warn("Suggestion stream failed", "error", err)
			payload = protocol.StreamChunk{Error: err.Error()}
		}
		data, mErr := json.Marshal(payload)
		if mErr != nil {
			h.logger.Warn("failed to marshal stream chunk", "error", mErr)
			return
		}
		if wErr := writeSSE(w, string(data)); wErr != nil {
			h.logger.Warn("failed to write SSE chunk", "error", wErr)
			return
		}
		flusher.Flush()
		if err != nil {
			break
		}
	}
	if err := writeSSE(w, protocol.StreamDone); err != nil {
		h.logger.Warn("failed to write SSE terminator", "error", err)
		return
	}
	flusher.Flush()
}

func writeSSE(w io.Writer, data string) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// CommandResult records a command the shell ran so later prompts can
// refer to it.
func (h *Handler) CommandResult(w http.ResponseWriter, r *http.Request) {
	var req protocol.CommandResult
	if !h.decode(w, r, &req) {
		return
	}
	if req.Command == "" {
		Error(w, http.StatusBadRequest, "command is required")
		return
	}
	h.logger.Info("Command result", "command", req.Command, "exit_code", req.ExitCode)
	h.commands.RecordCommand(req.Command, req.ExitCode, req.Stdout, req.Stderr)
	JSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok"})
}

// MockSuggest answers from a fixed keyword table without a backend.
func (h *Handler) MockSuggest(w http.ResponseWriter, r *http.Request) {
	var req protocol.SuggestRequest
	if !h.decode(w, r, &req) {
		return
	}
	JSON(w, http.StatusOK, protocol.Suggestion(suggest.Mock(req.Query)))
}
