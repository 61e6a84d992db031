package reasoning

import (
	"strings"
	"testing"

	"github.com/ashureev/autoshell/internal/domain"
	"github.com/stretchr/testify/assert"
	"google.golang.org/genai"
)

func TestCleanCommand(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "ls -la", "ls -la"},
		{"marker", "Sure.\nCOMMAND: `find . -name *.log`\nDone", "find . -name *.log"},
		{"fence", "```bash\ndu -sh *\n```", "du -sh *"},
		{"prefers non han line", "这是命令\ndf -h\n说明", "df -h"},
		{"control chars", "ls\x07 -l\x1b", "ls -l"},
		{"prose rejected", "无法生成命令", ""},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanCommand(tt.in))
		})
	}
}

func TestExtractAction(t *testing.T) {
	a := ExtractAction(`I will run {"action": "execute", "command": "ls"} now`)
	assert.Equal(t, domain.Execute{Command: "ls"}, a)

	a = ExtractAction("no json here")
	assert.Equal(t, domain.Unknown{Raw: "no json here"}, a)

	a = ExtractAction(`{"action": "execute", "command": }`)
	assert.Equal(t, domain.KindUnknown, a.Kind())
}

func TestActionFromToolCall(t *testing.T) {
	assert.Equal(t, domain.Execute{Command: "pwd"}, ActionFromToolCall(ToolExecuteCommand, map[string]any{"command": "pwd"}))
	assert.Equal(t, domain.WriteFile{Path: "a", Content: "b"}, ActionFromToolCall(ToolWriteFile, map[string]any{"path": "a", "content": "b"}))
	assert.Equal(t, domain.Done{Message: "ok"}, ActionFromToolCall(ToolTaskDone, map[string]any{"message": "ok"}))
	assert.Equal(t, domain.AskUser{Question: "?"}, ActionFromToolCall(ToolAskUser, map[string]any{"question": "?"}))
	assert.Equal(t, domain.ReadFile{Path: "/x"}, ActionFromToolCall(ToolReadFile, map[string]any{"path": "/x"}))

	unknown := ActionFromToolCall("launch_rocket", map[string]any{"target": "moon"})
	assert.Equal(t, domain.KindUnknown, unknown.Kind())
	assert.Contains(t, unknown.(domain.Unknown).Raw, "launch_rocket")
}

func TestFormatEnvironment(t *testing.T) {
	assert.Equal(t, "unknown environment", FormatEnvironment(domain.Environment{}))

	code := 127
	out := FormatEnvironment(domain.Environment{OS: "Linux", Cwd: "/tmp", LastCommand: "foo", LastExitCode: &code})
	assert.True(t, strings.Contains(out, "- OS: Linux"))
	assert.True(t, strings.Contains(out, "- Previous exit code: 127"))
	assert.Contains(t, AgentPrompt(domain.Environment{Shell: "zsh"}), "- Shell: zsh")
}

func TestGeminiDeclaration(t *testing.T) {
	decl := geminiDeclaration(agentTools[2])
	assert.Equal(t, ToolWriteFile, decl.Name)
	assert.Equal(t, genai.TypeObject, decl.Parameters.Type)
	assert.ElementsMatch(t, []string{"path", "content"}, decl.Parameters.Required)
	assert.Equal(t, genai.TypeString, decl.Parameters.Properties["content"].Type)
}
