// serve.go implements "autoshell serve", which runs the daemon in the foreground.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/autoshell/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the auto-shell daemon",
	Long: `Run the daemon in the foreground until interrupted. Configuration is
read from --config or the search path, then AUTO_SHELL_* environment
variables and a .env file in the working directory.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	hostFlag string
	portFlag int
)

func init() {
	serveCmd.Flags().StringVar(&hostFlag, "host", "", "Listen host (overrides daemon.host)")
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Listen port (overrides daemon.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return daemon.Run(ctx, daemon.Options{ConfigPath: configPath, Host: hostFlag, Port: portFlag})
}

// cmdContext returns the command context, or a background context when
// the command was executed without one.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
