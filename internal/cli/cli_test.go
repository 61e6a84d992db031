package cli

import (
	"bytes"
	"context"
	"iter"
	"net/http/httptest"
	"os"
	"path/filepath"
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
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopExec struct{}

func (noopExec) Run(context.Context, string) (executor.Output, error) {
	return executor.Output{Stdout: "remote"}, nil
}

type queue struct {
	mu      sync.Mutex
	actions []domain.Action
	seen    []string
}

func (q *queue) Propose(_ context.Context, req reasoning.Request) (domain.Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := len(req.History); n > 0 {
		q.seen = append(q.seen, req.History[n-1].Content)
	}
	if len(q.actions) == 0 {
		return domain.Done{Message: "finished"}, nil
	}
	a := q.actions[0]
	q.actions = q.actions[1:]
	return a, nil
}

func (q *queue) history() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.seen...)
}

type fixedSuggester struct{}

func (fixedSuggester) Suggest(context.Context, string, domain.Environment) (string, error) {
	return "rm -rf /tmp/cache", nil
}

func (fixedSuggester) StreamSuggest(context.Context, string, domain.Environment) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, c := range []string{"du", " -sh"} {
			if !yield(c, nil) {
				return
			}
		}
	}
}

// serveDaemon points the CLI at an in-process API server.
func serveDaemon(t *testing.T, actions ...domain.Action) *queue {
	t.Helper()

	q := &queue{actions: actions}
	driver := replay.NewDriver(q)
	engine := agent.NewEngine(agent.EngineConfig{Proposer: driver, Executor: noopExec{}})
	sessions := session.NewStore(engine, session.Config{OnRemove: driver.Unbind})
	svc, err := suggest.NewService(fixedSuggester{}, nil, suggest.Config{})
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

	prev, prevTimeout := daemonURL, timeout
	daemonURL, timeout = srv.URL, 5*time.Second
	t.Cleanup(func() { daemonURL, timeout = prev, prevTimeout })
	return q
}

func newCommand(input string) (*cobra.Command, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetIn(strings.NewReader(input))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	return cmd, &out, &errOut
}

func TestInteractive(t *testing.T) {
	assert.True(t, interactive(strings.NewReader("y\n")))

	f, err := os.CreateTemp(t.TempDir(), "stdin")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, interactive(f))
}

func TestPrompterConfirm(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"yes", "y\n", true},
		{"long yes", " YES \n", true},
		{"no", "n\n", false},
		{"empty", "\n", false},
		{"eof", "", false},
		{"no newline", "y", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := newPrompter(strings.NewReader(tt.input), &out)
			assert.Equal(t, tt.want, p.confirm("execute", "ls", false))
			assert.Contains(t, out.String(), "Run: ls")
		})
	}
}

func TestPrompterDeclinesWithoutTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString("y\n")
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)

	var out bytes.Buffer
	p := newPrompter(f, &out)
	assert.False(t, p.confirm("execute", "ls", false))
	assert.Contains(t, out.String(), "no terminal")
}

func TestConfirmEventUsesPathForWrites(t *testing.T) {
	var out bytes.Buffer
	p := newPrompter(strings.NewReader("y\n"), &out)
	ok := p.confirmEvent(protocol.SocketEvent{Action: "write_file", Path: "notes.txt", IsDangerous: true})
	assert.True(t, ok)
	assert.Contains(t, out.String(), "Write [dangerous]: notes.txt")
}

func TestPrintStep(t *testing.T) {
	var out bytes.Buffer
	printStep(&out, protocol.AgentStep{Iteration: 2, Action: "execute", Command: "ls", Success: true, Output: "a\nb\n"})
	printStep(&out, protocol.AgentStep{Iteration: 3, Action: "read_file", Error: "no such file"})

	want := "[2] execute $ ls (ok)\n" +
		"    a\n    b\n" +
		"[3] read_file (failed)\n" +
		"    error: no such file\n"
	assert.Equal(t, want, out.String())
}

func TestResolveDaemonURL(t *testing.T) {
	prevURL, prevPath := daemonURL, configPath
	t.Cleanup(func() { daemonURL, configPath = prevURL, prevPath })

	daemonURL = "http://remote:9000"
	assert.Equal(t, "http://remote:9000", resolveDaemonURL())

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("daemon:\n  host: 10.0.0.5\n  port: 9100\n"), 0o600))
	daemonURL, configPath = "", path
	assert.Equal(t, "http://10.0.0.5:9100", resolveDaemonURL())

	require.NoError(t, os.WriteFile(path, []byte("daemon:\n  port: -1\n"), 0o600))
	assert.Equal(t, "http://"+config.Default().Addr(), resolveDaemonURL())
}

func TestShellEnvUsesFlags(t *testing.T) {
	prevShell, prevOS := shellFlag, osFlag
	t.Cleanup(func() { shellFlag, osFlag = prevShell, prevOS })

	shellFlag, osFlag = "fish", "Darwin"
	env := shellEnv()
	assert.Equal(t, "fish", env.Shell)
	assert.Equal(t, "Darwin", env.OS)
	assert.NotEmpty(t, env.Cwd)
}

func TestSuggestCommand(t *testing.T) {
	serveDaemon(t)

	cmd, out, errOut := newCommand("")
	require.NoError(t, runSuggest(cmd, []string{"clear", "the", "cache"}))
	assert.Equal(t, "rm -rf /tmp/cache\n", out.String())
	assert.Contains(t, errOut.String(), "dangerous")

	cmd, out, _ = newCommand("")
	require.NoError(t, runSuggest(cmd, []string{"build and then deploy"}))
	assert.Contains(t, out.String(), `autoshell agent "build and then deploy"`)
}

func TestSuggestCommandStream(t *testing.T) {
	serveDaemon(t)
	prev := streamFlag
	streamFlag = true
	t.Cleanup(func() { streamFlag = prev })

	cmd, out, _ := newCommand("")
	require.NoError(t, runSuggest(cmd, []string{"disk usage"}))
	assert.Equal(t, "du -sh\n", out.String())
}

func TestHealthCommand(t *testing.T) {
	serveDaemon(t)

	cmd, out, _ := newCommand("")
	require.NoError(t, runHealth(cmd, nil))
	assert.Contains(t, out.String(), "Daemon: ok")
	assert.Contains(t, out.String(), "journal")
}

func TestConfigCommands(t *testing.T) {
	serveDaemon(t)

	cmd, out, _ := newCommand("")
	require.NoError(t, runConfig(cmd, nil))
	assert.Contains(t, out.String(), "Agent mode:   default")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("daemon:\n  port: -1\n"), 0o600))
	t.Setenv("AUTO_SHELL_CONFIG", path)
	cmd, _, _ = newCommand("")
	assert.Error(t, runConfigReload(cmd, nil))

	require.NoError(t, os.WriteFile(path, []byte("agent:\n  default_mode: auto\n"), 0o600))
	cmd, out, _ = newCommand("")
	require.NoError(t, runConfigReload(cmd, nil))
	assert.Equal(t, "Configuration reloaded\n", out.String())

	cmd, out, _ = newCommand("")
	require.NoError(t, runConfig(cmd, nil))
	assert.Contains(t, out.String(), "Agent mode:   auto")
}

func TestAgentCommandConfirmsOverSocket(t *testing.T) {
	serveDaemon(t, domain.Execute{Command: "ls"}, domain.Execute{Command: "make"})

	cmd, out, _ := newCommand("y\nn\n")
	require.NoError(t, runAgent(cmd, []string{"build"}))

	got := out.String()
	assert.Contains(t, got, "Run: ls")
	assert.Contains(t, got, "[1] execute $ ls (ok)")
	assert.Contains(t, got, "[2] execute $ make (failed)")
	assert.Contains(t, got, agent.MsgDeclined)
	assert.Contains(t, got, "finished (completed)")
}

func TestAgentCommandAutoConfirm(t *testing.T) {
	serveDaemon(t, domain.Execute{Command: "ls"})
	prev := yesFlag
	yesFlag = true
	t.Cleanup(func() { yesFlag = prev })

	cmd, out, _ := newCommand("")
	require.NoError(t, runAgent(cmd, []string{"list"}))
	assert.Contains(t, out.String(), "[1] execute $ ls (ok)")
	assert.NotContains(t, out.String(), "Proceed?")
}

func TestSessionRunExecutesLocally(t *testing.T) {
	q := serveDaemon(t, domain.Execute{Command: "echo local"}, domain.Execute{Command: "echo skipped"})

	cmd, out, _ := newCommand("y\nn\n")
	require.NoError(t, runSessionRun(cmd, []string{"say", "hi"}))

	got := out.String()
	assert.Contains(t, got, "Run: echo local")
	assert.Contains(t, got, "    local")
	assert.Contains(t, got, "Run: echo skipped")
	assert.Contains(t, got, "finished (completed)")

	seen := q.history()
	require.Len(t, seen, 2)
	assert.Contains(t, seen[0], "local")
	assert.Contains(t, seen[1], agent.MsgDeclined)
}

func TestSessionRunReportsDaemonOutput(t *testing.T) {
	q := serveDaemon(t, domain.Execute{Command: "ls -la"})
	prev := sessionModeFlag
	sessionModeFlag = "full_auto"
	t.Cleanup(func() { sessionModeFlag = prev })

	cmd, out, _ := newCommand("")
	require.NoError(t, runSessionRun(cmd, []string{"list"}))
	assert.NotContains(t, out.String(), "Proceed?")
	assert.Contains(t, out.String(), "finished (completed)")

	seen := q.history()
	require.Len(t, seen, 1)
	assert.Contains(t, seen[0], "command: ls -la")
	assert.Contains(t, seen[0], "exit code: 0")
	assert.Contains(t, seen[0], "remote")
}

func TestSessionCommands(t *testing.T) {
	serveDaemon(t, domain.Execute{Command: "ls"})

	cmd, out, _ := newCommand("")
	require.NoError(t, runSessionStart(cmd, []string{"list", "files"}))
	first := out.String()
	require.True(t, strings.HasPrefix(first, "Session: "))
	id := strings.TrimSpace(strings.SplitN(strings.TrimPrefix(first, "Session: "), "\n", 2)[0])
	require.NotEmpty(t, id)

	cmd, out, _ = newCommand("")
	require.NoError(t, runSessionList(cmd, nil))
	assert.Contains(t, out.String(), id)

	prevCmd := stepCommandFlag
	stepCommandFlag = "ls"
	t.Cleanup(func() { stepCommandFlag = prevCmd })
	cmd, out, _ = newCommand("")
	require.NoError(t, runSessionStep(cmd, []string{id}))
	assert.Contains(t, out.String(), "finished (completed)")

	cmd, out, _ = newCommand("")
	require.NoError(t, runSessionStatus(cmd, []string{id}))
	assert.Contains(t, out.String(), "Status:    completed")
	assert.Contains(t, out.String(), "Task:      list files")

	cmd, _, _ = newCommand("")
	require.NoError(t, runSessionDelete(cmd, []string{id}))

	cmd, _, _ = newCommand("")
	err := runSessionStatus(cmd, []string{id})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found or expired")
}

func TestRootRegistersCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "health", "config", "suggest", "agent", "session", "check"} {
		assert.True(t, names[want], want)
	}
}
