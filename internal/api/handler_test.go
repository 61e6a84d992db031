//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/autoshell/internal/agent"
	"github.com/ashureev/autoshell/internal/config"
	"github.com/ashureev/autoshell/internal/domain"
	"github.com/ashureev/autoshell/internal/executor"
	"github.com/ashureev/autoshell/internal/protocol"
	"github.com/ashureev/autoshell/internal/reasoning"
	"github.com/ashureev/autoshell/internal/replay"
	"github.com/ashureev/autoshell/internal/session"
	"github.com/ashureev/autoshell/internal/store"
	"github.com/ashureev/autoshell/internal/suggest"
	"github.com/go-chi/chi/v5"
)

type fakeExec struct {
	mu  sync.Mutex
	ran []string
	out string
}

func (f *fakeExec) Run(_ context.Context, command string) (executor.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, command)
	return executor.Output{Stdout: f.out}, nil
}

func (f *fakeExec) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

// scripted proposes its actions in order, then Done.
type scripted struct {
	mu      sync.Mutex
	actions []domain.Action
}

func (s *scripted) Propose(context.Context, reasoning.Request) (domain.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.actions) == 0 {
		return domain.Done{Message: "all done"}, nil
	}
	a := s.actions[0]
	s.actions = s.actions[1:]
	return a, nil
}

type streamSuggester struct{ chunks []string }

func (s streamSuggester) Suggest(context.Context, string, domain.Environment) (string, error) {
	return strings.Join(s.chunks, ""), nil
}

func (s streamSuggester) StreamSuggest(context.Context, string, domain.Environment) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, c := range s.chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

type testEnv struct {
	handler *Handler
	router  http.Handler
	exec    *fakeExec
}

type envOption func(*config.Config, *Deps)

func newTestEnv(t *testing.T, p reasoning.Proposer, opts ...envOption) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Debug.Enabled = true
	deps := Deps{Journal: store.Noop{}}
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	ex := &fakeExec{out: "file-a\nfile-b"}
	driver := replay.NewDriver(p)
	engine := agent.NewEngine(agent.EngineConfig{Proposer: driver, Executor: ex})
	sessions := session.NewStore(engine, session.Config{Journal: deps.Journal, OnRemove: driver.Unbind})
	svc, err := suggest.NewService(streamSuggester{chunks: []string{"du", " -sh", " ."}}, nil, suggest.Config{})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(svc.Close)

	deps.Engine = engine
	deps.Sessions = sessions
	deps.Suggest = svc
	deps.Replay = driver
	if deps.Config == nil {
		deps.Config = config.NewHolder(cfg, "")
	}

	h := NewHandler(deps)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return &testEnv{handler: h, router: r, exec: ex}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	env = newTestEnv(t, nil, func(_ *config.Config, d *Deps) {
		d.Probes = map[string]Probe{"reasoning": func(context.Context) error { return errors.New("down") }}
	})
	rec = env.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
	got := decodeBody[protocol.Health](t, rec)
	if got.Status != "degraded" || got.Checks["reasoning"] != "unreachable" || got.Checks["journal"] != "ok" {
		t.Errorf("Unexpected health body: %+v", got)
	}
}

func TestGetConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/config", "")
	got := decodeBody[protocol.ConfigInfo](t, rec)
	if got.DaemonPort != 28001 || got.AgentMode != "default" || got.LLMModel == "" {
		t.Errorf("Unexpected config: %+v", got)
	}
}

func TestSuggestRoutesMultiStepToAgent(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/v1/suggest", `{"query":"find all log files then delete them"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	got := decodeBody[protocol.Suggestion](t, rec)
	if !got.UseAgent || got.Command != "" {
		t.Errorf("Expected agent routing, got %+v", got)
	}

	rec = env.do(t, http.MethodPost, "/v1/suggest", `{"query":"disk usage"}`)
	got = decodeBody[protocol.Suggestion](t, rec)
	if got.UseAgent || got.Command != "du -sh ." {
		t.Errorf("Unexpected suggestion: %+v", got)
	}
}

func TestSuggestRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config, _ *Deps) { c.Daemon.MaxBodySize = 64 })

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"query":`, http.StatusBadRequest},
		{"missing query", `{"cwd":"/tmp"}`, http.StatusBadRequest},
		{"too large", `{"query":"` + strings.Repeat("x", 200) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/v1/suggest", tt.body); rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestSuggestStream(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/v1/suggest/stream", `{"query":"disk usage"}`)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Unexpected content type %q", ct)
	}
	want := "data: {\"chunk\":\"du\"}\n\n" +
		"data: {\"chunk\":\" -sh\"}\n\n" +
		"data: {\"chunk\":\" .\"}\n\n" +
		"data: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Errorf("Unexpected stream:\n%s", rec.Body.String())
	}
}

func TestCommandResultFeedsCommandLog(t *testing.T) {
	log := domain.NewCommandLog(0)
	env := newTestEnv(t, nil, func(_ *config.Config, d *Deps) { d.Commands = log })

	rec := env.do(t, http.MethodPost, "/v1/command/result", `{"command":"make test","exit_code":2,"stderr":"FAIL"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	last, ok := log.Last()
	if !ok || last.Command != "make test" || last.ExitCode != 2 {
		t.Errorf("Command not recorded: %+v", last)
	}

	if rec := env.do(t, http.MethodPost, "/v1/command/result", `{"exit_code":0}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing command, got %d", rec.Code)
	}
}

func TestRunAgentAutoConfirm(t *testing.T) {
	p := &scripted{actions: []domain.Action{domain.Execute{Command: "rm -rf build"}}}
	env := newTestEnv(t, p)
	env.exec.out = strings.Repeat("x", 800)

	rec := env.do(t, http.MethodPost, "/v1/agent", `{"query":"clean the build","auto_confirm":true}`)
	got := decodeBody[protocol.AgentResponse](t, rec)

	if !got.Success || got.Message != "all done" || len(got.Steps) != 2 {
		t.Fatalf("Unexpected response: %+v", got)
	}
	first := got.Steps[0]
	if first.Command != "rm -rf build" || !first.IsDangerous || first.NeedsConfirmation {
		t.Errorf("Unexpected first step: %+v", first)
	}
	if len([]rune(first.Output)) != stepOutputRunes {
		t.Errorf("Output should be clipped to %d runes, got %d", stepOutputRunes, len(first.Output))
	}
	if cmds := env.exec.commands(); len(cmds) != 1 {
		t.Errorf("Expected one command to run, got %v", cmds)
	}
}

func TestRunAgentPausesForConfirmation(t *testing.T) {
	p := &scripted{actions: []domain.Action{domain.Execute{Command: "rm -rf build"}}}
	env := newTestEnv(t, p)

	rec := env.do(t, http.MethodPost, "/v1/agent", `{"query":"clean the build","mode":"auto"}`)
	got := decodeBody[protocol.AgentResponse](t, rec)

	if got.Success || got.Status != string(domain.StatusRunning) || len(got.Steps) != 1 {
		t.Fatalf("Unexpected response: %+v", got)
	}
	if !got.Steps[0].NeedsConfirmation || got.Steps[0].Error != agent.MsgAwaitingClient {
		t.Errorf("Unexpected step: %+v", got.Steps[0])
	}
	if cmds := env.exec.commands(); len(cmds) != 0 {
		t.Errorf("Gated command must not run, ran %v", cmds)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/debug/agent-session/start?task=list_files&mode=full_auto", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	first := decodeBody[protocol.SessionStep](t, rec)
	if first.Iteration != 1 || first.Action != "execute" || first.Command != "ls -la" || first.TaskComplete {
		t.Fatalf("Unexpected first step: %+v", first)
	}

	step := func() protocol.SessionStep {
		rec := env.do(t, http.MethodPost, "/debug/agent-session/step", `{"session_id":"`+first.SessionID+`"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rec.Code)
		}
		return decodeBody[protocol.SessionStep](t, rec)
	}
	step()
	done := step()
	if !done.TaskComplete || done.Iteration != 3 || done.FinalMessage != "listed directory files and counted them" {
		t.Fatalf("Unexpected final step: %+v", done)
	}
	if again := step(); again.Iteration != 3 || again.FinalMessage != done.FinalMessage || again.Action != "done" {
		t.Fatalf("Completed session should be idempotent: %+v", again)
	}

	status := decodeBody[protocol.SessionStatus](t, env.do(t, http.MethodGet, "/v1/agent/session/"+first.SessionID, ""))
	if status.Iteration != 3 || status.MaxIterations != 10 || !status.TaskComplete || status.HistoryLength != 3 {
		t.Errorf("Unexpected status: %+v", status)
	}

	list := decodeBody[protocol.SessionList](t, env.do(t, http.MethodGet, "/v1/agent/sessions", ""))
	if list.Count != 1 || list.Sessions[0].SessionID != first.SessionID {
		t.Errorf("Unexpected list: %+v", list)
	}

	if rec := env.do(t, http.MethodDelete, "/v1/agent/session/"+first.SessionID, ""); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 on delete, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/agent/session/"+first.SessionID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/v1/agent/session/"+first.SessionID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", rec.Code)
	}
}

func TestSessionDefaultModeDefersToShell(t *testing.T) {
	p := &scripted{actions: []domain.Action{domain.Execute{Command: "ls"}}}
	env := newTestEnv(t, p)

	rec := env.do(t, http.MethodPost, "/v1/agent/session/start", `{"task":"show files"}`)
	got := decodeBody[protocol.SessionStep](t, rec)
	if !got.NeedsConfirmation || got.Command != "ls" || got.Error != agent.MsgAwaitingClient {
		t.Fatalf("Unexpected step: %+v", got)
	}
	if cmds := env.exec.commands(); len(cmds) != 0 {
		t.Fatalf("Deferred command ran on the daemon: %v", cmds)
	}

	rec = env.do(t, http.MethodPost, "/v1/agent/session/step",
		`{"session_id":"`+got.SessionID+`","last_command":"ls","last_exit_code":0,"last_stdout":"a b"}`)
	next := decodeBody[protocol.SessionStep](t, rec)
	if !next.TaskComplete || next.FinalMessage != "all done" || next.Status != string(domain.StatusCompleted) {
		t.Errorf("Unexpected step: %+v", next)
	}
}

func TestSessionStepErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(t, http.MethodPost, "/v1/agent/session/step", `{"session_id":"missing"}`); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/agent/session/step", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/agent/session/start", `{"mode":"auto"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing task, got %d", rec.Code)
	}
}

func TestSessionWithoutBackendFails(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/agent/session/start", `{"task":"anything","mode":"full_auto"}`)
	got := decodeBody[protocol.SessionStep](t, rec)
	if got.Action != "error" || got.Status != string(domain.StatusFailed) || !got.TaskComplete {
		t.Errorf("Unexpected step: %+v", got)
	}

	rec = env.do(t, http.MethodPost, "/v1/agent/session/step", `{"session_id":"`+got.SessionID+`"}`)
	again := decodeBody[protocol.SessionStep](t, rec)
	if again.Action != "error" || again.Status != string(domain.StatusFailed) || again.Iteration != got.Iteration {
		t.Errorf("Failed session must stay failed on a repeated step: %+v", again)
	}

	status := decodeBody[protocol.SessionStatus](t, env.do(t, http.MethodGet, "/v1/agent/session/"+got.SessionID, ""))
	if !status.TaskComplete || status.Status != string(domain.StatusFailed) {
		t.Errorf("Status disagrees with step response: %+v", status)
	}
	list := decodeBody[protocol.SessionList](t, env.do(t, http.MethodGet, "/v1/agent/sessions", ""))
	if list.Count != 1 || !list.Sessions[0].TaskComplete {
		t.Errorf("List disagrees with step response: %+v", list)
	}
}

func TestDebugRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(t, http.MethodPost, "/debug/agent-session/start?task=nope", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown script, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/v1/agent/session/start", `{"task":"regular"}`)
	regular := decodeBody[protocol.SessionStep](t, rec)
	if rec := env.do(t, http.MethodPost, "/debug/agent-session/step", `{"session_id":"`+regular.SessionID+`"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a non-debug session, got %d", rec.Code)
	}

	mock := decodeBody[protocol.AgentResponse](t, env.do(t, http.MethodPost, "/debug/mock-agent", `{"query":"x"}`))
	if !mock.Success || len(mock.Steps) != 2 || mock.Steps[0].Command != "ls -la" {
		t.Errorf("Unexpected mock agent: %+v", mock)
	}

	sugg := decodeBody[protocol.Suggestion](t, env.do(t, http.MethodPost, "/debug/mock-suggest", `{"query":"deploy then test"}`))
	if !sugg.UseAgent {
		t.Errorf("Expected agent routing from mock: %+v", sugg)
	}
}

func TestDebugRoutesDisabled(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config, _ *Deps) { c.Debug.Enabled = false })
	if rec := env.do(t, http.MethodPost, "/debug/mock-agent", `{}`); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestSessionJournal(t *testing.T) {
	journal, err := store.NewSQLite(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })
	env := newTestEnv(t, nil, func(_ *config.Config, d *Deps) { d.Journal = journal })

	start := decodeBody[protocol.SessionStep](t, env.do(t, http.MethodPost, "/debug/agent-session/start?task=check_system&mode=full_auto", ""))
	env.do(t, http.MethodPost, "/debug/agent-session/step", `{"session_id":"`+start.SessionID+`"}`)

	rec := env.do(t, http.MethodGet, "/v1/agent/session/"+start.SessionID+"/journal", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	got := decodeBody[journalResponse](t, rec)
	if got.Session == nil || got.Session.Iteration != 2 || len(got.Steps) != 2 {
		t.Fatalf("Unexpected journal: %+v", got)
	}
	if got.Steps[0].Result.Command != "uname -a" {
		t.Errorf("Unexpected first step: %+v", got.Steps[0])
	}

	if rec := env.do(t, http.MethodDelete, "/v1/agent/session/"+start.SessionID+"/journal", ""); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 on purge, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/agent/session/"+start.SessionID+"/journal", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after purge, got %d", rec.Code)
	}
}

func TestReloadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "agent:\n  default_mode: auto\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	env := newTestEnv(t, nil, func(_ *config.Config, d *Deps) { d.Config = config.NewHolder(cfg, path) })

	writeFile(t, path, "agent:\n  default_mode: full_auto\n")
	rec := env.do(t, http.MethodPost, "/config/reload", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[protocol.ConfigInfo](t, env.do(t, http.MethodGet, "/config", ""))
	if got.AgentMode != "full_auto" {
		t.Errorf("Reload not applied: %+v", got)
	}

	writeFile(t, path, "agent:\n  default_mode: reckless\n")
	if rec := env.do(t, http.MethodPost, "/config/reload", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 for invalid config, got %d", rec.Code)
	}
	if got := decodeBody[protocol.ConfigInfo](t, env.do(t, http.MethodGet, "/config", "")); got.AgentMode != "full_auto" {
		t.Errorf("Failed reload must keep the previous config: %+v", got)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
