// Package session keeps resumable agent sessions in memory and advances
// them one step at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/autoshell/internal/agent"
	"github.com/ashureev/autoshell/internal/domain"
	"github.com/ashureev/autoshell/internal/store"
	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown or expired session ids.
var ErrNotFound = errors.New("session not found")

// Defaults used when Config leaves a field empty.
const (
	DefaultTTL           = 2 * time.Hour
	DefaultMaxIterations = 10
)

// Reply stream caps for FormatExternalResult.
const (
	replyStdoutRunes = 1000
	replyStderrRunes = 500
)

// Stepper performs one resumable agent step.
type Stepper interface {
	Step(ctx context.Context, req agent.StepRequest) agent.StepOutcome
}

// Config configures a Store.
type Config struct {
	TTL           time.Duration
	MaxIterations int
	// Confirmer answers gated actions. Nil defers them to the client.
	Confirmer agent.Confirmer
	Journal   store.Journal
	Logger    *slog.Logger
	// OnRemove is called with the id of every deleted or expired session.
	OnRemove func(id string)
	Now      func() time.Time
}

// StepResult is the outcome of Advance. Action and Result are nil when the
// session was already finished and nothing ran.
type StepResult struct {
	Session *domain.AgentSession
	Action  domain.Action
	Result  *domain.ActionResult
}

type entry struct {
	mu      sync.Mutex
	removed atomic.Bool
	session *domain.AgentSession
}

// Store owns all live sessions. Each session has its own lock so that
// advances of different sessions run in parallel.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	engine        Stepper
	ttl           time.Duration
	maxIterations int
	confirm       agent.Confirmer
	journal       store.Journal
	logger        *slog.Logger
	onRemove      func(id string)
	now           func() time.Time
}

// NewStore creates a session store backed by engine.
func NewStore(engine Stepper, cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Confirmer == nil {
		cfg.Confirmer = agent.DeferAll
	}
	if cfg.Journal == nil {
		cfg.Journal = store.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		entries:       make(map[string]*entry),
		engine:        engine,
		ttl:           cfg.TTL,
		maxIterations: cfg.MaxIterations,
		confirm:       cfg.Confirmer,
		journal:       cfg.Journal,
		logger:        cfg.Logger,
		onRemove:      cfg.OnRemove,
		now:           cfg.Now,
	}
}

// MaxIterations returns the default iteration budget.
func (s *Store) MaxIterations() int {
	return s.maxIterations
}

// Create registers a new session after sweeping expired ones. A
// non-positive maxIterations uses the store default.
func (s *Store) Create(ctx context.Context, task string, env domain.Environment, mode domain.Mode, maxIterations int) *domain.AgentSession {
	s.Sweep()

	if maxIterations <= 0 {
		maxIterations = s.maxIterations
	}
	now := s.now()
	sess := &domain.AgentSession{
		ID:            uuid.NewString(),
		Task:          task,
		Context:       env,
		Mode:          mode,
		MaxIterations: maxIterations,
		Status:        domain.StatusRunning,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.mu.Lock()
	s.entries[sess.ID] = &entry{session: sess}
	s.mu.Unlock()

	s.logger.Info("Agent session created", "session_id", sess.ID, "mode", mode, "max_iterations", maxIterations)
	if err := s.journal.SaveSession(ctx, sess); err != nil {
		s.logger.Warn("Failed to journal session", "session_id", sess.ID, "error", err)
	}
	return sess.Clone()
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (*domain.AgentSession, bool) {
	e := s.lookup(id)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed.Load() {
		return nil, false
	}
	return e.session.Clone(), true
}

// Update merges the mutable state of sess into the stored session and
// refreshes its TTL. Identity, task, context, mode and budget are kept
// from the stored copy. Completion is one-way, the iteration never goes
// back and history only grows. Status and final message are frozen once
// the session is finished.
func (s *Store) Update(sess *domain.AgentSession) error {
	e := s.lookup(sess.ID)
	if e == nil {
		return fmt.Errorf("update %s: %w", sess.ID, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed.Load() {
		return fmt.Errorf("update %s: %w", sess.ID, ErrNotFound)
	}

	cur := e.session
	in := sess.Clone()
	next := cur.Clone()

	if len(in.History) >= len(cur.History) {
		next.History = in.History
	}
	if in.Iteration > cur.Iteration {
		next.Iteration = min(in.Iteration, cur.MaxIterations)
	}
	if in.LastResult != nil {
		next.LastResult = in.LastResult
	}
	if !cur.Finished() {
		next.FinalMessage = in.FinalMessage
		if in.Status != "" {
			next.Status = in.Status
		}
		if in.TaskComplete {
			next.TaskComplete = true
			next.Status = domain.StatusCompleted
		}
		if !next.Status.Terminal() && next.Exhausted() {
			s.markExhausted(next)
		}
	}
	next.UpdatedAt = s.now()
	e.session = next
	return nil
}

// Delete removes a session.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	e.removed.Store(true)
	s.logger.Info("Agent session deleted", "session_id", id)
	if s.onRemove != nil {
		s.onRemove(id)
	}
	return nil
}

// List returns snapshots of all sessions, oldest first.
func (s *Store) List() []*domain.AgentSession {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*domain.AgentSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed.Load() {
			out = append(out, e.session.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Sweep removes sessions idle for longer than the TTL. Sessions with an
// advance in flight are skipped. It returns the number removed.
func (s *Store) Sweep() int {
	cutoff := s.now().Add(-s.ttl)
	var expired []string

	s.mu.Lock()
	for id, e := range s.entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.session.UpdatedAt.Before(cutoff) {
			e.removed.Store(true)
			delete(s.entries, id)
			expired = append(expired, id)
		}
		e.mu.Unlock()
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.logger.Info("Agent session expired", "session_id", id)
		if s.onRemove != nil {
			s.onRemove(id)
		}
	}
	return len(expired)
}

// Advance performs one step of the session. reply is the client's report
// of the previous step and may be empty. A finished session is returned
// unchanged without calling the reasoning engine.
func (s *Store) Advance(ctx context.Context, id, reply string) (StepResult, error) {
	e := s.lookup(id)
	if e == nil {
		return StepResult{}, fmt.Errorf("advance %s: %w", id, ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed.Load() {
		return StepResult{}, fmt.Errorf("advance %s: %w", id, ErrNotFound)
	}

	sess := e.session
	if sess.Finished() {
		return StepResult{Session: sess.Clone()}, nil
	}

	out := s.engine.Step(ctx, agent.StepRequest{
		SessionID: sess.ID,
		Task:      sess.Task,
		Context:   sess.Context,
		Mode:      sess.Mode,
		History:   sess.History,
		UserReply: reply,
		Confirmer: s.confirm,
	})

	sess.History = out.History
	sess.Iteration++
	result := out.Result
	sess.LastResult = &result
	sess.UpdatedAt = s.now()

	switch a := out.Action.(type) {
	case domain.Done:
		sess.TaskComplete = true
		sess.Status = domain.StatusCompleted
		sess.FinalMessage = a.Message
		if sess.FinalMessage == "" {
			sess.FinalMessage = agent.MsgDefaultDone
		}
	case domain.Error:
		sess.Status = domain.StatusFailed
		sess.FinalMessage = result.Error
	default:
		if sess.Exhausted() {
			s.markExhausted(sess)
		}
	}

	s.logger.Info("Agent session advanced",
		"session_id", sess.ID,
		"iteration", sess.Iteration,
		"action", out.Action.Kind(),
		"status", sess.Status)

	err := s.journal.RecordStep(ctx, store.StepRecord{
		SessionID: sess.ID,
		Iteration: sess.Iteration,
		Action:    domain.EncodeAction(out.Action),
		Result:    result,
		Status:    string(sess.Status),
		CreatedAt: sess.UpdatedAt,
	})
	if err != nil {
		s.logger.Warn("Failed to journal step", "session_id", sess.ID, "error", err)
	}
	s.saveJournal(ctx, sess)

	resultCopy := result
	return StepResult{Session: sess.Clone(), Action: out.Action, Result: &resultCopy}, nil
}

func (s *Store) markExhausted(sess *domain.AgentSession) {
	if sess.Status == domain.StatusExhausted {
		return
	}
	sess.Status = domain.StatusExhausted
	sess.FinalMessage = agent.MsgIterationsReached
	sess.UpdatedAt = s.now()
}

func (s *Store) saveJournal(ctx context.Context, sess *domain.AgentSession) {
	if err := s.journal.SaveSession(ctx, sess); err != nil {
		s.logger.Warn("Failed to journal session", "session_id", sess.ID, "error", err)
	}
}

// FormatExternalResult builds the user reply for a command the client ran.
// It returns "" when command is empty.
func FormatExternalResult(command string, exitCode int, stdout, stderr string) string {
	if command == "" {
		return ""
	}
	parts := []string{
		"command: " + command,
		fmt.Sprintf("exit code: %d", exitCode),
	}
	if stdout != "" {
		parts = append(parts, "stdout:\n"+domain.Clip(stdout, replyStdoutRunes))
	}
	if stderr != "" {
		parts = append(parts, "stderr:\n"+domain.Clip(stderr, replyStderrRunes))
	}
	return strings.Join(parts, "\n")
}
