package reasoning

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"

	"github.com/ashureev/autoshell/internal/domain"
)

type toolParam struct {
	Name        string
	Description string
}

type toolSpec struct {
	Name        string
	Description string
	Params      []toolParam
}

// Tool names understood by ActionFromToolCall.
const (
	ToolExecuteCommand = "execute_command"
	ToolReadFile       = "read_file"
	ToolWriteFile      = "write_file"
	ToolAskUser        = "ask_user"
	ToolTaskDone       = "task_done"
	ToolRunShell       = "run_shell_command"
)

var agentTools = []toolSpec{
	{ToolExecuteCommand, "Run one shell command and return its output.", []toolParam{{"command", "The command to run."}}},
	{ToolReadFile, "Read the content of a file.", []toolParam{{"path", "Path of the file."}}},
	{ToolWriteFile, "Write content to a file, replacing it.", []toolParam{{"path", "Path of the file."}, {"content", "Content to write."}}},
	{ToolAskUser, "Ask the user a question or request confirmation.", []toolParam{{"question", "The question."}}},
	{ToolTaskDone, "Report that the task is finished.", []toolParam{{"message", "Summary of the result."}}},
}

var commandTool = toolSpec{
	ToolRunShell, "Run one shell command in the terminal.",
	[]toolParam{{"command", "The shell command. It must run as-is in the terminal."}},
}

// ActionFromToolCall maps a tool invocation to an action. Unrecognized
// tool names fall back to the tagged record form.
func ActionFromToolCall(name string, args map[string]any) domain.Action {
	str := func(key string) string {
		s, _ := args[key].(string)
		return s
	}
	switch name {
	case ToolExecuteCommand:
		return domain.Execute{Command: str("command")}
	case ToolReadFile:
		return domain.ReadFile{Path: str("path")}
	case ToolWriteFile:
		return domain.WriteFile{Path: str("path"), Content: str("content")}
	case ToolAskUser:
		return domain.AskUser{Question: str("question")}
	case ToolTaskDone:
		return domain.Done{Message: str("message")}
	}
	raw, _ := json.Marshal(map[string]any{"action": name, "args": args})
	return domain.ActionFromFields(name, args, string(raw))
}

var flatObject = regexp.MustCompile(`\{[^{}]*\}`)

// ExtractAction finds the first flat JSON object in free text and decodes
// it as a tagged action. Text without one becomes Unknown.
func ExtractAction(content string) domain.Action {
	if m := flatObject.FindString(content); m != "" && json.Valid([]byte(m)) {
		return domain.ParseAction([]byte(m))
	}
	return domain.Unknown{Raw: content}
}

var controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)

// CleanCommand reduces free-form model text to one shell command line. It
// returns "" when the text looks like prose rather than a command.
func CleanCommand(text string) string {
	command := strings.TrimSpace(text)

	marker := false
	for _, line := range strings.Split(command, "\n") {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToUpper(stripped), "COMMAND:") {
			command = strings.Trim(strings.TrimSpace(stripped[len("COMMAND:"):]), "`'\"")
			marker = true
			break
		}
	}

	if !marker {
		if strings.HasPrefix(command, "```") {
			if _, rest, ok := strings.Cut(command, "\n"); ok {
				command = strings.TrimSpace(strings.ReplaceAll(rest, "```", ""))
			}
		}

		var lines []string
		for _, l := range strings.Split(command, "\n") {
			if l = strings.TrimSpace(l); l != "" {
				lines = append(lines, l)
			}
		}
		command = ""
		if len(lines) > 0 {
			command = lines[len(lines)-1]
			for _, l := range lines {
				if !containsHan(l) {
					command = l
					break
				}
			}
		}
	}

	command = controlChars.ReplaceAllString(command, "")
	command = strings.ReplaceAll(command, "\r", "")
	command = strings.ReplaceAll(command, "\n", " ")

	if command != "" {
		runes := []rune(command)
		han := 0
		for _, r := range runes {
			if unicode.Is(unicode.Han, r) {
				han++
			}
		}
		if float64(han)/float64(len(runes)) > 0.4 {
			return ""
		}
	}
	return command
}

func containsHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
