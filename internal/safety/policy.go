// Package safety decides which agent actions are dangerous and which need
// explicit confirmation before they run.
package safety

import (
	"fmt"
	"regexp"

	"github.com/ashureev/autoshell/internal/domain"
)

// DefaultDangerousPatterns flag commands that delete, escalate, change
// ownership or permissions, format devices, or truncate files.
var DefaultDangerousPatterns = []string{
	`^\s*rm\b`,
	`^\s*sudo\b`,
	`^\s*chmod\b`,
	`^\s*chown\b`,
	`^\s*mkfs`,
	`^\s*dd\b`,
	`^\s*>`,
	`^\s*>>`,
	`>\s*/dev/sd`,
}

// Verdict is the safety classification of one action.
type Verdict struct {
	NeedsConfirmation bool
	IsDangerous       bool
}

// Policy classifies commands against a fixed set of patterns. It is safe
// for concurrent use.
type Policy struct {
	patterns []*regexp.Regexp
}

// NewPolicy compiles patterns. An empty list uses DefaultDangerousPatterns.
func NewPolicy(patterns []string) (*Policy, error) {
	if len(patterns) == 0 {
		patterns = DefaultDangerousPatterns
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid dangerous command pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Policy{patterns: compiled}, nil
}

// MustDefault returns a policy built from DefaultDangerousPatterns.
func MustDefault() *Policy {
	p, err := NewPolicy(nil)
	if err != nil {
		panic(err)
	}
	return p
}

// IsDangerous reports whether any pattern matches cmd.
func (p *Policy) IsDangerous(cmd string) bool {
	for _, re := range p.patterns {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

// NeedsConfirmation applies the mode rules to a shell command.
func (p *Policy) NeedsConfirmation(mode domain.Mode, cmd string) bool {
	switch mode {
	case domain.ModeFullAuto:
		return false
	case domain.ModeAuto:
		return p.IsDangerous(cmd)
	default:
		return true
	}
}

// Evaluate classifies an action for the given mode. File writes are
// always dangerous and always confirmed. Only Execute and WriteFile are
// ever gated.
func (p *Policy) Evaluate(mode domain.Mode, action domain.Action) Verdict {
	switch a := action.(type) {
	case domain.Execute:
		return Verdict{
			NeedsConfirmation: p.NeedsConfirmation(mode, a.Command),
			IsDangerous:       p.IsDangerous(a.Command),
		}
	case domain.WriteFile:
		return Verdict{NeedsConfirmation: true, IsDangerous: true}
	default:
		return Verdict{}
	}
}
