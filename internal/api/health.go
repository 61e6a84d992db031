package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/ashureev/autoshell/internal/protocol"
)

const healthCheckTimeout = 5 * time.Second

// Health reports the daemon and its dependencies. Any failing check
// degrades the status to 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "ok"
	statusCode := http.StatusOK

	probes := map[string]Probe{"journal": h.journal.Ping}
	for name, p := range h.probes {
		probes[name] = p
	}
	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := probes[name](ctx); err != nil {
			h.logger.Error("Health check failed", "check", name, "error", err)
			checks[name] = "unreachable"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	JSON(w, statusCode, protocol.Health{
		Status:    status,
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    checks,
	})
}

// GetConfig returns the non-secret parts of the live configuration.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := h.cfg.Get()
	JSON(w, http.StatusOK, protocol.ConfigInfo{
		LLMAPIBase: cfg.LLM.APIBase,
		LLMModel:   cfg.LLM.Model,
		DaemonHost: cfg.Daemon.Host,
		DaemonPort: cfg.Daemon.Port,
		AgentMode:  cfg.Agent.DefaultMode,
	})
}

// ReloadConfig rereads the configuration file. Components built at
// startup keep their settings; request-time settings such as the body
// limit and default mode follow the new file.
func (h *Handler) ReloadConfig(w http.ResponseWriter, _ *http.Request) {
	cfg, err := h.cfg.Reload()
	if err != nil {
		h.logger.Error("Config reload failed", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("Config reloaded", "source", cfg.Source)
	JSON(w, http.StatusOK, protocol.StatusResponse{Status: "ok", Message: "configuration reloaded"})
}
