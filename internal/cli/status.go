// status.go implements the "health" and "config" commands.
package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the daemon and its dependencies are up",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the daemon configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

var configReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Make the daemon reread its configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigReload,
}

func init() {
	configCmd.AddCommand(configReloadCmd)
}

func runHealth(cmd *cobra.Command, _ []string) error {
	c := newClient()
	h, err := c.Health(cmdContext(cmd))
	if h.Status == "" && err != nil {
		return fmt.Errorf("daemon at %s unreachable: %w", c.BaseURL(), err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Daemon: %s (%s)\n", h.Status, c.BaseURL())
	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-10s %s\n", name, h.Checks[name])
	}
	return err
}

func runConfig(cmd *cobra.Command, _ []string) error {
	info, err := newClient().Config(cmdContext(cmd))
	if err != nil {
		return fmt.Errorf("fetch config: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "LLM API base: %s\n", info.LLMAPIBase)
	fmt.Fprintf(out, "LLM model:    %s\n", info.LLMModel)
	fmt.Fprintf(out, "Daemon:       %s:%d\n", info.DaemonHost, info.DaemonPort)
	fmt.Fprintf(out, "Agent mode:   %s\n", info.AgentMode)
	return nil
}

func runConfigReload(cmd *cobra.Command, _ []string) error {
	if err := newClient().ReloadConfig(cmdContext(cmd)); err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration reloaded")
	return nil
}
