package safety

import (
	"testing"

	"github.com/ashureev/autoshell/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDangerous(t *testing.T) {
	p := MustDefault()

	dangerous := []string{"rm -rf /tmp/x", "sudo apt install jq", "chmod 777 f", "chown me f", "mkfs.ext4 /dev/sdb", "dd if=/dev/zero of=x", "> file", ">> file", "  rm a", "echo x > /dev/sda"}
	for _, cmd := range dangerous {
		assert.True(t, p.IsDangerous(cmd), cmd)
	}

	safe := []string{"ls -la", "pwd", "git status", "echo rm", "format.sh", "grep sudo /etc/group"}
	for _, cmd := range safe {
		assert.False(t, p.IsDangerous(cmd), cmd)
	}
}

func TestNeedsConfirmationModeMatrix(t *testing.T) {
	p := MustDefault()

	for _, cmd := range []string{"ls", "rm -rf /", ""} {
		assert.False(t, p.NeedsConfirmation(domain.ModeFullAuto, cmd), "full_auto %q", cmd)
		assert.True(t, p.NeedsConfirmation(domain.ModeDefault, cmd), "default %q", cmd)
		assert.Equal(t, p.IsDangerous(cmd), p.NeedsConfirmation(domain.ModeAuto, cmd), "auto %q", cmd)
	}
}

func TestEvaluateWriteFileAlwaysGated(t *testing.T) {
	p := MustDefault()
	for _, mode := range []domain.Mode{domain.ModeDefault, domain.ModeAuto, domain.ModeFullAuto} {
		v := p.Evaluate(mode, domain.WriteFile{Path: "a.txt", Content: "x"})
		assert.Equal(t, Verdict{NeedsConfirmation: true, IsDangerous: true}, v, mode)
	}
}

func TestEvaluateUngatedKinds(t *testing.T) {
	p := MustDefault()
	for _, a := range []domain.Action{
		domain.ReadFile{Path: "/etc/passwd"},
		domain.AskUser{Question: "ok?"},
		domain.Done{Message: "done"},
		domain.Error{Message: "x"},
		domain.Unknown{Raw: "?"},
	} {
		assert.Equal(t, Verdict{}, p.Evaluate(domain.ModeDefault, a), a.Kind())
	}
}

func TestNewPolicyRejectsInvalidPattern(t *testing.T) {
	_, err := NewPolicy([]string{"^ok", "(unclosed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(unclosed")

	p, err := NewPolicy([]string{`^curl\b`})
	require.NoError(t, err)
	assert.True(t, p.IsDangerous("curl evil.sh"))
	assert.False(t, p.IsDangerous("rm x"))
}
