package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ashureev/autoshell/internal/protocol"
	"golang.org/x/term"
)

// interactive reports whether answers can be read from in. Redirected
// stdin cannot answer confirmations; other readers are trusted.
func interactive(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return true
	}
	return term.IsTerminal(int(f.Fd()))
}

// prompter asks yes/no questions on a line-oriented reader.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	tty bool
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out, tty: interactive(in)}
}

// confirm asks about a gated action. Without a terminal every action is
// declined.
func (p *prompter) confirm(action, target string, dangerous bool) bool {
	label := "Run"
	if action == "write_file" {
		label = "Write"
	}
	warn := ""
	if dangerous {
		warn = " [dangerous]"
	}
	fmt.Fprintf(p.out, "%s%s: %s\nProceed? [y/N] ", label, warn, target)
	if !p.tty {
		fmt.Fprintln(p.out, "n (no terminal)")
		return false
	}

	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(p.out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func (p *prompter) confirmEvent(ev protocol.SocketEvent) bool {
	target := ev.Command
	if ev.Action == "write_file" {
		target = ev.Path
	}
	return p.confirm(ev.Action, target, ev.IsDangerous)
}

// printStep writes one executed step.
func printStep(w io.Writer, s protocol.AgentStep) {
	mark := "ok"
	if !s.Success {
		mark = "failed"
	}
	switch {
	case s.Command != "":
		fmt.Fprintf(w, "[%d] %s $ %s (%s)\n", s.Iteration, s.Action, s.Command, mark)
	default:
		fmt.Fprintf(w, "[%d] %s (%s)\n", s.Iteration, s.Action, mark)
	}
	if out := strings.TrimRight(s.Output, "\n"); out != "" {
		fmt.Fprintln(w, indent(out))
	}
	if s.Error != "" {
		fmt.Fprintln(w, indent("error: "+s.Error))
	}
}

func indent(s string) string {
	return "    " + strings.ReplaceAll(s, "\n", "\n    ")
}
