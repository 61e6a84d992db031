// Package replay proposes scripted actions so agent sessions can be
// exercised without a reasoning backend.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ashureev/autoshell/internal/domain"
	"github.com/ashureev/autoshell/internal/reasoning"
)

// ErrUnknownScript is returned when binding a script that is not registered.
var ErrUnknownScript = errors.New("unknown debug script")

// FinishedMessage is proposed once a bound script has no actions left.
const FinishedMessage = "debug script finished"

// Built-in script names.
const (
	ScriptListFiles   = "list_files"
	ScriptCheckSystem = "check_system"
)

// DefaultScripts returns the built-in scripts.
func DefaultScripts() map[string][]domain.Action {
	return map[string][]domain.Action{
		ScriptListFiles: {
			domain.Execute{Command: "ls -la"},
			domain.Execute{Command: "ls -la | wc -l"},
			domain.Done{Message: "listed directory files and counted them"},
		},
		ScriptCheckSystem: {
			domain.Execute{Command: "uname -a"},
			domain.Execute{Command: "df -h"},
			domain.Execute{Command: "free -h"},
			domain.Done{Message: "system check complete"},
		},
	}
}

type cursor struct {
	script string
	next   int
}

// Driver is a reasoning.Proposer that replays scripts for bound sessions
// and delegates every other session to a fallback proposer.
type Driver struct {
	fallback reasoning.Proposer

	mu      sync.Mutex
	scripts map[string][]domain.Action
	cursors map[string]*cursor
}

var _ reasoning.Proposer = (*Driver)(nil)

// NewDriver creates a driver with the built-in scripts. fallback may be nil.
func NewDriver(fallback reasoning.Proposer) *Driver {
	return &Driver{
		fallback: fallback,
		scripts:  DefaultScripts(),
		cursors:  make(map[string]*cursor),
	}
}

// Register adds or replaces a named script.
func (d *Driver) Register(name string, actions []domain.Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[name] = append([]domain.Action(nil), actions...)
}

// Scripts returns the registered script names, sorted.
func (d *Driver) Scripts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.scripts))
	for name := range d.scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasScript reports whether name is registered.
func (d *Driver) HasScript(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.scripts[name]
	return ok
}

// Bind makes sessionID replay the named script from its first action.
func (d *Driver) Bind(sessionID, script string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.scripts[script]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScript, script)
	}
	d.cursors[sessionID] = &cursor{script: script}
	return nil
}

// Bound reports whether sessionID replays a script.
func (d *Driver) Bound(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.cursors[sessionID]
	return ok
}

// Unbind forgets the session's cursor.
func (d *Driver) Unbind(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cursors, sessionID)
}

// Propose returns the next scripted action for bound sessions.
func (d *Driver) Propose(ctx context.Context, req reasoning.Request) (domain.Action, error) {
	if action, ok := d.next(req.SessionID); ok {
		return action, nil
	}
	if d.fallback == nil {
		return domain.Error{Message: "no reasoning engine configured"}, nil
	}
	return d.fallback.Propose(ctx, req)
}

func (d *Driver) next(sessionID string) (domain.Action, bool) {
	if sessionID == "" {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.cursors[sessionID]
	if !ok {
		return nil, false
	}
	script := d.scripts[c.script]
	if c.next >= len(script) {
		return domain.Done{Message: FinishedMessage}, true
	}
	action := script[c.next]
	c.next++
	return action, true
}
