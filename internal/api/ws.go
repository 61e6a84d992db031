package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/autoshell/internal/agent"
	"github.com/ashureev/autoshell/internal/domain"
	"github.com/ashureev/autoshell/internal/protocol"
	"github.com/coder/websocket"
)

const (
	socketWriteTimeout = 10 * time.Second
	confirmTimeout     = 5 * time.Minute
)

// connRegistry tracks open agent sockets so they can be closed on shutdown.
type connRegistry struct {
	mu     sync.Mutex
	active map[*websocket.Conn]struct{}
}

func newConnRegistry() *connRegistry {
	return &connRegistry{active: make(map[*websocket.Conn]struct{})}
}

func (m *connRegistry) register(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[conn] = struct{}{}
}

func (m *connRegistry) unregister(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, conn)
}

func (m *connRegistry) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.active {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(m.active, conn)
	}
}

// agentSocket is one interactive agent connection. It runs at most one
// task at a time and asks the client to confirm gated actions.
type agentSocket struct {
	h    *Handler
	conn *websocket.Conn

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan bool
	cancel  context.CancelFunc
	running bool
}

// AgentSocket upgrades to a WebSocket that runs agent tasks with live
// confirmation of gated actions.
func (h *Handler) AgentSocket(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.conns.register(conn)
	defer h.conns.unregister(conn)

	s := &agentSocket{h: h, conn: conn, pending: make(map[int64]chan bool)}
	var wg sync.WaitGroup
	defer wg.Wait()
	defer s.stop()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("Agent socket closed by client")
			} else {
				h.logger.Warn("Agent socket read error", "error", err)
			}
			return
		}

		var msg protocol.SocketRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			s.send(protocol.SocketEvent{Type: protocol.SocketError, Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case protocol.SocketStart:
			s.start(ctx, msg, &wg)
		case protocol.SocketConfirm:
			s.answer(msg.ID, msg.Approve)
		case protocol.SocketCancel:
			s.stop()
		default:
			s.send(protocol.SocketEvent{Type: protocol.SocketError, Error: "unknown message type " + msg.Type})
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	cfg := h.cfg.Get()
	if cfg.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	allowed := strings.TrimRight(cfg.Daemon.FrontendURL, "/")
	if origin == "" || allowed == "*" || origin == allowed {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", allowed)
	return false
}

func (s *agentSocket) start(parent context.Context, msg protocol.SocketRequest, wg *sync.WaitGroup) {
	if strings.TrimSpace(msg.Task) == "" {
		s.send(protocol.SocketEvent{Type: protocol.SocketError, Error: "task is required"})
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.send(protocol.SocketEvent{Type: protocol.SocketError, Error: "a task is already running"})
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	mode := s.h.mode(msg.Mode)
	maxIter := msg.MaxIterations
	if maxIter <= 0 {
		maxIter = s.h.cfg.Get().Agent.MaxIterations
	}
	s.send(protocol.SocketEvent{Type: protocol.SocketStarted, Mode: string(mode)})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			s.mu.Lock()
			s.running = false
			s.cancel = nil
			s.mu.Unlock()
			cancel()
		}()

		report := s.h.engine.Run(ctx, agent.RunRequest{
			Task:          msg.Task,
			Context:       s.h.commands.Enrich(msg.Environment()),
			Mode:          mode,
			MaxIterations: maxIter,
			Confirmer:     agent.ConfirmFunc(s.confirm),
			OnStep: func(i int, _ domain.Action, result domain.ActionResult) {
				step := stepResponse(i, result)
				s.send(protocol.SocketEvent{Type: protocol.SocketStep, Step: &step})
			},
		})

		resp := newAgentResponse(report)
		s.send(protocol.SocketEvent{Type: protocol.SocketResult, Result: &resp})
	}()
}

// confirm asks the client about a gated action. No answer within the
// timeout, or a canceled run, defers the action.
func (s *agentSocket) confirm(ctx context.Context, req agent.ConfirmRequest) agent.Decision {
	id := s.nextID.Add(1)
	answer := make(chan bool, 1)

	s.mu.Lock()
	s.pending[id] = answer
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	ev := protocol.SocketEvent{
		Type:        protocol.SocketConfirmRequest,
		ID:          id,
		Action:      string(req.Action.Kind()),
		IsDangerous: req.Verdict.IsDangerous,
	}
	switch a := req.Action.(type) {
	case domain.Execute:
		ev.Command = a.Command
	case domain.WriteFile:
		ev.Path = a.Path
	}
	if err := s.send(ev); err != nil {
		return agent.Defer
	}

	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()
	select {
	case ok := <-answer:
		if ok {
			return agent.Approve
		}
		return agent.Deny
	case <-ctx.Done():
		return agent.Defer
	case <-timer.C:
		return agent.Defer
	}
}

func (s *agentSocket) answer(id int64, approve bool) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		s.send(protocol.SocketEvent{Type: protocol.SocketError, ID: id, Error: "no pending confirmation"})
		return
	}
	select {
	case ch <- approve:
	default:
	}
}

func (s *agentSocket) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *agentSocket) send(ev protocol.SocketEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), socketWriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.h.logger.Debug("Agent socket write error", "error", err)
		return err
	}
	return nil
}
