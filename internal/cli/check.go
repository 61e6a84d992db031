// check.go implements "autoshell check", a local sanity check of the setup.
package cli

import (
	"fmt"

	"github.com/ashureev/autoshell/internal/config"
	"github.com/ashureev/autoshell/internal/safety"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the local configuration and reach the daemon",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(out, "config:   FAIL %v\n", err)
		return err
	}
	source := cfg.Source
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Fprintf(out, "config:   ok (%s)\n", source)

	if _, err := safety.NewPolicy(cfg.Agent.DangerousCommands); err != nil {
		fmt.Fprintf(out, "patterns: FAIL %v\n", err)
		return err
	}
	fmt.Fprintf(out, "patterns: ok\n")
	fmt.Fprintf(out, "backend:  %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)

	c := newClient()
	h, err := c.Health(cmdContext(cmd))
	if h.Status == "" && err != nil {
		fmt.Fprintf(out, "daemon:   unreachable at %s\n", c.BaseURL())
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	fmt.Fprintf(out, "daemon:   %s (%s)\n", h.Status, c.BaseURL())
	return err
}
