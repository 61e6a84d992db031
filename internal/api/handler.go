// Package api provides the HTTP API of the auto-shell daemon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/autoshell/internal/agent"
	"github.com/ashureev/autoshell/internal/config"
	"github.com/ashureev/autoshell/internal/domain"
	"github.com/ashureev/autoshell/internal/replay"
	"github.com/ashureev/autoshell/internal/session"
	"github.com/ashureev/autoshell/internal/store"
	"github.com/ashureev/autoshell/internal/suggest"
	"github.com/go-chi/chi/v5"
)

const defaultMaxBodySize = 1 << 20

// Display caps for step responses.
const (
	stepOutputRunes = 500
	stepErrorRunes  = 200
	listTaskRunes   = 80
)

// Probe reports the health of one dependency.
type Probe func(ctx context.Context) error

// Deps are the collaborators served by the API.
type Deps struct {
	Engine   *agent.Engine
	Sessions *session.Store
	Suggest  *suggest.Service
	Replay   *replay.Driver
	Journal  store.Journal
	Commands *domain.CommandLog
	Config   *config.Holder
	Logger   *slog.Logger
	// Probes are checked by /health in addition to the journal.
	Probes map[string]Probe
}

// Handler serves the daemon API.
type Handler struct {
	engine   *agent.Engine
	sessions *session.Store
	suggest  *suggest.Service
	replay   *replay.Driver
	journal  store.Journal
	commands *domain.CommandLog
	cfg      *config.Holder
	logger   *slog.Logger
	probes   map[string]Probe
	conns    *connRegistry
}

// NewHandler creates a handler. A nil journal, command log, or logger is
// replaced with a working default.
func NewHandler(d Deps) *Handler {
	if d.Journal == nil {
		d.Journal = store.Noop{}
	}
	if d.Commands == nil {
		d.Commands = domain.NewCommandLog(0)
	}
	if d.Config == nil {
		d.Config = config.NewHolder(config.Default(), "")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{
		engine:   d.Engine,
		sessions: d.Sessions,
		suggest:  d.Suggest,
		replay:   d.Replay,
		journal:  d.Journal,
		commands: d.Commands,
		cfg:      d.Config,
		logger:   d.Logger,
		probes:   d.Probes,
		conns:    newConnRegistry(),
	}
}

// RegisterRoutes registers every API route on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/config", h.GetConfig)
	r.Post("/config/reload", h.ReloadConfig)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/suggest", h.Suggest)
		r.Post("/suggest/stream", h.SuggestStream)
		r.Post("/command/result", h.CommandResult)

		r.Post("/agent", h.RunAgent)
		r.Get("/agent/ws", h.AgentSocket)
		r.Get("/agent/sessions", h.ListSessions)
		r.Route("/agent/session", func(r chi.Router) {
			r.Post("/start", h.StartSession)
			r.Post("/step", h.StepSession)
			r.Get("/{id}", h.GetSession)
			r.Delete("/{id}", h.DeleteSession)
			r.Get("/{id}/journal", h.SessionJournal)
			r.Delete("/{id}/journal", h.PurgeJournal)
		})
	})

	if h.cfg.Get().Debug.Enabled {
		r.Route("/debug", func(r chi.Router) {
			r.Post("/mock-suggest", h.MockSuggest)
			r.Post("/mock-agent", h.MockAgent)
			r.Post("/agent-session/start", h.DebugStartSession)
			r.Post("/agent-session/step", h.DebugStepSession)
		})
	}
}

// Close closes open agent sockets.
func (h *Handler) Close() {
	h.conns.closeAll()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body capped at the configured size. It writes the
// error response itself and reports whether decoding succeeded.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	limit := h.cfg.Get().Daemon.MaxBodySize
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
