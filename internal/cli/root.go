// Package cli defines the cobra commands of the autoshell binary.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/ashureev/autoshell/internal/client"
	"github.com/ashureev/autoshell/internal/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	daemonURL  string
	timeout    time.Duration
	shellFlag  string
	osFlag     string
	version    = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "autoshell",
	Short: "Natural-language shell assistant",
	Long: `autoshell turns natural-language requests into shell commands.
Single requests get one suggested command; larger tasks run as agent
sessions that propose, confirm, and execute commands step by step.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: search AUTO_SHELL_CONFIG, ./config.yaml, ~/.auto-shell/config.yaml, ...)")
	rootCmd.PersistentFlags().StringVar(&daemonURL, "daemon", "", "Daemon URL (default: from config, http://127.0.0.1:28001)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Request timeout")
	rootCmd.PersistentFlags().StringVar(&shellFlag, "shell", "", "Shell name sent as context (default: $SHELL basename, then zsh)")
	rootCmd.PersistentFlags().StringVar(&osFlag, "os", "", "Operating system sent as context (default: Linux)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(suggestCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(checkCmd)
}

// newClient resolves the daemon address from --daemon or the config file.
func newClient() *client.Client {
	return client.New(resolveDaemonURL(), timeout)
}

func resolveDaemonURL() string {
	if daemonURL != "" {
		return daemonURL
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = config.Default()
	}
	return "http://" + cfg.Addr()
}
