// Package domain contains the core types shared by the agent, session and API layers.
package domain

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// ActionKind is the tag carried by every Action in its JSON form.
type ActionKind string

// Action kinds.
const (
	KindExecute   ActionKind = "execute"
	KindReadFile  ActionKind = "read_file"
	KindWriteFile ActionKind = "write_file"
	KindAskUser   ActionKind = "ask_user"
	KindDone      ActionKind = "done"
	KindError     ActionKind = "error"
	KindUnknown   ActionKind = "unknown"
)

// Action is one step proposed by the reasoning engine.
// The set of implementations is closed: Execute, ReadFile, WriteFile,
// AskUser, Done, Error and Unknown.
type Action interface {
	Kind() ActionKind
	isAction()
}

// Execute runs a shell command.
type Execute struct {
	Command string
}

// ReadFile reads a file from the local filesystem.
type ReadFile struct {
	Path string
}

// WriteFile replaces the content of a file, creating parent directories.
type WriteFile struct {
	Path    string
	Content string
}

// AskUser poses a question to the user.
type AskUser struct {
	Question string
}

// Done declares the task complete.
type Done struct {
	Message string
}

// Error reports that the reasoning engine could not produce an action.
type Error struct {
	Message string
}

// Unknown wraps output that could not be interpreted as an action.
type Unknown struct {
	Raw string
}

func (Execute) Kind() ActionKind   { return KindExecute }
func (ReadFile) Kind() ActionKind  { return KindReadFile }
func (WriteFile) Kind() ActionKind { return KindWriteFile }
func (AskUser) Kind() ActionKind   { return KindAskUser }
func (Done) Kind() ActionKind      { return KindDone }
func (Error) Kind() ActionKind     { return KindError }
func (Unknown) Kind() ActionKind   { return KindUnknown }

func (Execute) isAction()   {}
func (ReadFile) isAction()  {}
func (WriteFile) isAction() {}
func (AskUser) isAction()   {}
func (Done) isAction()      {}
func (Error) isAction()     {}
func (Unknown) isAction()   {}

// actionRecord is the tagged JSON form used in history entries and on the wire.
type actionRecord struct {
	Action   string `json:"action"`
	Command  string `json:"command,omitempty"`
	Path     string `json:"path,omitempty"`
	Content  string `json:"content,omitempty"`
	Question string `json:"question,omitempty"`
	Message  string `json:"message,omitempty"`
	Raw      string `json:"raw,omitempty"`
}

// EncodeAction renders an action as its tagged JSON record.
func EncodeAction(a Action) string {
	rec := actionRecord{Action: string(a.Kind())}
	switch v := a.(type) {
	case Execute:
		rec.Command = v.Command
	case ReadFile:
		rec.Path = v.Path
	case WriteFile:
		rec.Path = v.Path
		rec.Content = v.Content
	case AskUser:
		rec.Question = v.Question
	case Done:
		rec.Message = v.Message
	case Error:
		rec.Message = v.Message
	case Unknown:
		rec.Raw = v.Raw
	}

	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return `{"action":"` + string(a.Kind()) + `"}`
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// ParseAction decodes a tagged JSON record. Anything that is not valid JSON
// or carries an unrecognized tag becomes Unknown.
func ParseAction(data []byte) Action {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Unknown{Raw: string(data)}
	}
	tag, _ := fields["action"].(string)
	return ActionFromFields(tag, fields, string(data))
}

// ActionFromFields builds an action from a tag and loosely typed arguments,
// the shape produced by tool calls. raw is kept for Unknown results.
func ActionFromFields(tag string, fields map[string]any, raw string) Action {
	str := func(key string) string {
		s, _ := fields[key].(string)
		return s
	}
	switch ActionKind(tag) {
	case KindExecute:
		return Execute{Command: str("command")}
	case KindReadFile:
		return ReadFile{Path: str("path")}
	case KindWriteFile:
		return WriteFile{Path: str("path"), Content: str("content")}
	case KindAskUser:
		return AskUser{Question: str("question")}
	case KindDone:
		return Done{Message: str("message")}
	case KindError:
		return Error{Message: str("message")}
	default:
		return Unknown{Raw: raw}
	}
}

// CommandOf returns the shell command of an Execute action, or "".
func CommandOf(a Action) string {
	if e, ok := a.(Execute); ok {
		return e.Command
	}
	return ""
}

// Result size limits.
const (
	MaxOutputRunes   = 2000
	MaxErrorRunes    = 1000
	MaxFileReadRunes = 5000
)

// TruncationMarker is appended to text cut by Truncate.
const TruncationMarker = " [truncated]"

// ActionResult is the outcome of executing one action.
type ActionResult struct {
	Action            ActionKind `json:"action"`
	Command           string     `json:"command,omitempty"`
	Success           bool       `json:"success"`
	Output            string     `json:"output"`
	Error             string     `json:"error"`
	NeedsConfirmation bool       `json:"needs_confirmation"`
	IsDangerous       bool       `json:"is_dangerous"`
	Truncated         bool       `json:"truncated,omitempty"`
}

// SetOutput stores s in Output, capped at limit runes.
func (r *ActionResult) SetOutput(s string, limit int) {
	var cut bool
	r.Output, cut = Truncate(s, limit)
	r.Truncated = r.Truncated || cut
}

// SetError stores s in Error, capped at MaxErrorRunes.
func (r *ActionResult) SetError(s string) {
	var cut bool
	r.Error, cut = Truncate(s, MaxErrorRunes)
	r.Truncated = r.Truncated || cut
}

// Summary is the text folded back into history after a step: the output
// when present, otherwise the error.
func (r ActionResult) Summary() string {
	if r.Output != "" {
		return r.Output
	}
	return r.Error
}

// Truncate caps s at limit runes. When it cuts, the result ends with
// TruncationMarker and still fits within limit.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	markerLen := utf8.RuneCountInString(TruncationMarker)
	keep := limit - markerLen
	suffix := TruncationMarker
	if keep <= 0 {
		keep = limit
		suffix = ""
	}
	return string([]rune(s)[:keep]) + suffix, true
}

// Clip returns the first n runes of s without a marker. It is used for
// response fields that are shortened for display only.
func Clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
