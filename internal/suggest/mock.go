package suggest

import (
	"strings"

	"github.com/ashureev/autoshell/internal/router"
)

// mockCommands maps query keywords to canned commands, checked in order.
var mockCommands = []struct {
	keyword string
	command string
}{
	{"查找大文件", "find . -type f -size +100M"},
	{"查看端口", "lsof -i :8080"},
	{"列出文件", "ls -la"},
	{"当前目录", "pwd"},
	{"查看进程", "ps aux"},
	{"磁盘空间", "df -h"},
	{"内存使用", "free -h"},
	{"网络连接", "netstat -tunlp"},
	{"git状态", "git status"},
	{"git日志", "git log --oneline -10"},
	{"large files", "find . -type f -size +100M"},
	{"list files", "ls -la"},
	{"disk space", "df -h"},
	{"memory", "free -h"},
	{"processes", "ps aux"},
	{"git status", "git status"},
}

// Mock answers queries from a fixed table without a backend.
func Mock(query string) Suggestion {
	if router.IsMultiStep(query) {
		return Suggestion{Explanation: ExplainAgent, UseAgent: true}
	}

	q := strings.ToLower(query)
	for _, m := range mockCommands {
		if strings.Contains(q, m.keyword) {
			return Suggestion{Command: m.command, Explanation: "Mock response for: " + query}
		}
	}
	return Suggestion{
		Command:     "echo 'Mock: " + strings.ReplaceAll(query, "'", `'\''`) + "'",
		Explanation: "Mock response",
	}
}
