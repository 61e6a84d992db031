package client

import (
	"context"
	"iter"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/autoshell/internal/agent"
	"github.com/ashureev/autoshell/internal/api"
	"github.com/ashureev/autoshell/internal/config"
	"github.com/ashureev/autoshell/internal/domain"
	"github.com/ashureev/autoshell/internal/executor"
	"github.com/ashureev/autoshell/internal/protocol"
	"github.com/ashureev/autoshell/internal/reasoning"
	"github.com/ashureev/autoshell/internal/replay"
	"github.com/ashureev/autoshell/internal/session"
	"github.com/ashureev/autoshell/internal/suggest"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExec struct {
	mu  sync.Mutex
	ran []string
}

func (e *recordingExec) Run(_ context.Context, command string) (executor.Output, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ran = append(e.ran, command)
	return executor.Output{Stdout: "ok"}, nil
}

func (e *recordingExec) commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ran...)
}

type queue struct {
	mu      sync.Mutex
	actions []domain.Action
}

func (q *queue) Propose(context.Context, reasoning.Request) (domain.Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.actions) == 0 {
		return domain.Done{Message: "finished"}, nil
	}
	a := q.actions[0]
	q.actions = q.actions[1:]
	return a, nil
}

type chunkSuggester struct{}

func (chunkSuggester) Suggest(context.Context, string, domain.Environment) (string, error) {
	return "git status", nil
}

func (chunkSuggester) StreamSuggest(context.Context, string, domain.Environment) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, c := range []string{"git", " status"} {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func newDaemon(t *testing.T, actions ...domain.Action) (*Client, *recordingExec) {
	t.Helper()

	ex := &recordingExec{}
	driver := replay.NewDriver(&queue{actions: actions})
	engine := agent.NewEngine(agent.EngineConfig{Proposer: driver, Executor: ex})
	sessions := session.NewStore(engine, session.Config{OnRemove: driver.Unbind})
	svc, err := suggest.NewService(chunkSuggester{}, nil, suggest.Config{})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	h := api.NewHandler(api.Deps{
		Engine:   engine,
		Sessions: sessions,
		Suggest:  svc,
		Replay:   driver,
		Config:   config.NewHolder(config.Default(), ""),
	})
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(h.Close)

	return New(srv.URL+"/", 5*time.Second), ex
}

func TestHealthAndConfig(t *testing.T) {
	c, _ := newDaemon(t)
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "ok", h.Checks["journal"])

	info, err := c.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, 28001, info.DaemonPort)
	assert.Equal(t, "default", info.AgentMode)
}

func TestSuggest(t *testing.T) {
	c, _ := newDaemon(t)
	ctx := context.Background()

	sugg, err := c.Suggest(ctx, protocol.SuggestRequest{Query: "show repo state"})
	require.NoError(t, err)
	assert.Equal(t, "git status", sugg.Command)
	assert.False(t, sugg.UseAgent)

	sugg, err = c.Suggest(ctx, protocol.SuggestRequest{Query: "build and then deploy"})
	require.NoError(t, err)
	assert.True(t, sugg.UseAgent)

	_, err = c.Suggest(ctx, protocol.SuggestRequest{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Equal(t, "query is required", apiErr.Message)
}

func TestStreamSuggest(t *testing.T) {
	c, _ := newDaemon(t)

	var chunks []string
	for chunk, err := range c.StreamSuggest(context.Background(), protocol.SuggestRequest{Query: "show repo state"}) {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	assert.Equal(t, []string{"git", " status"}, chunks)
}

func TestReportCommand(t *testing.T) {
	c, _ := newDaemon(t)
	require.NoError(t, c.ReportCommand(context.Background(), protocol.CommandResult{Command: "make", ExitCode: 2}))

	err := c.ReportCommand(context.Background(), protocol.CommandResult{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
}

func TestSessionRoundTrip(t *testing.T) {
	c, _ := newDaemon(t, domain.Execute{Command: "ls"})
	ctx := context.Background()

	first, err := c.StartSession(ctx, protocol.SessionStartRequest{Task: "list files", Mode: "default"})
	require.NoError(t, err)
	assert.Equal(t, "execute", first.Action)
	assert.Equal(t, "ls", first.Command)
	assert.True(t, first.NeedsConfirmation)
	assert.False(t, first.TaskComplete)

	code := 0
	next, err := c.StepSession(ctx, protocol.SessionStepRequest{
		SessionID:    first.SessionID,
		LastCommand:  "ls",
		LastExitCode: &code,
		LastStdout:   "a b",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", next.Action)
	assert.True(t, next.TaskComplete)
	assert.Equal(t, "completed", next.Status)

	status, err := c.Session(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "list files", status.Task)
	assert.True(t, status.TaskComplete)

	list, err := c.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Count)

	require.NoError(t, c.DeleteSession(ctx, first.SessionID))
	_, err = c.Session(ctx, first.SessionID)
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(c.DeleteSession(ctx, first.SessionID)))
}

func TestRunAgent(t *testing.T) {
	c, ex := newDaemon(t, domain.Execute{Command: "ls"})

	resp, err := c.RunAgent(context.Background(), protocol.AgentRequest{Query: "list", AutoConfirm: true})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "finished", resp.Message)
	require.Len(t, resp.Steps, 2)
	assert.Equal(t, []string{"ls"}, ex.commands())
}

func TestAgentSocket(t *testing.T) {
	c, ex := newDaemon(t,
		domain.Execute{Command: "ls"},
		domain.Execute{Command: "rm -rf build"},
		domain.Execute{Command: "rm -rf dist"},
	)

	var steps []protocol.AgentStep
	var asked []string
	resp, err := c.Agent(context.Background(), protocol.SocketRequest{Task: "clean", Mode: "auto"}, Interaction{
		OnStep: func(s protocol.AgentStep) { steps = append(steps, s) },
		Confirm: func(ev protocol.SocketEvent) bool {
			asked = append(asked, ev.Command)
			return ev.Command == "rm -rf build"
		},
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, []string{"rm -rf build", "rm -rf dist"}, asked)
	assert.Len(t, steps, 4)
	assert.Equal(t, []string{"ls", "rm -rf build"}, ex.commands())
}

func TestAgentSocketError(t *testing.T) {
	c, _ := newDaemon(t)
	_, err := c.Agent(context.Background(), protocol.SocketRequest{}, Interaction{})
	require.Error(t, err)
	assert.Equal(t, "task is required", err.Error())
}

func TestSocketURL(t *testing.T) {
	got, err := New("https://daemon.example:8443", 0).socketURL("/v1/agent/ws")
	require.NoError(t, err)
	assert.Equal(t, "wss://daemon.example:8443/v1/agent/ws", got)

	got, err = New("http://127.0.0.1:28001", 0).socketURL("/v1/agent/ws")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "ws://127.0.0.1:28001"))
}
