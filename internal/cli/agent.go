// agent.go implements "autoshell agent", which runs a task on the daemon host.
package cli

import (
	"fmt"
	"strings"

	"github.com/ashureev/autoshell/internal/client"
	"github.com/ashureev/autoshell/internal/protocol"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent <task>",
	Short: "Run a multi-step task with the agent",
	Long: `Run a task as a bounded agent loop on the daemon host. Commands that
need confirmation under the chosen mode are shown with a [y/N] prompt.
With --yes every action runs without asking (full_auto).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAgent,
}

var (
	modeFlag          string
	maxIterationsFlag int
	yesFlag           bool
)

func init() {
	agentCmd.Flags().StringVar(&modeFlag, "mode", "", "Agent mode: default, auto, or full_auto (default: daemon setting)")
	agentCmd.Flags().IntVar(&maxIterationsFlag, "max-iterations", 0, "Iteration budget (default: daemon setting)")
	agentCmd.Flags().BoolVarP(&yesFlag, "yes", "y", false, "Run every action without confirmation")
}

func runAgent(cmd *cobra.Command, args []string) error {
	c := newClient()
	ctx := cmdContext(cmd)
	out := cmd.OutOrStdout()
	task := strings.Join(args, " ")

	var resp protocol.AgentResponse
	var err error
	if yesFlag {
		resp, err = c.RunAgent(ctx, protocol.AgentRequest{
			Query:         task,
			ShellEnv:      shellEnv(),
			AutoConfirm:   true,
			MaxIterations: maxIterationsFlag,
		})
		if err == nil {
			for _, s := range resp.Steps {
				printStep(out, s)
			}
		}
	} else {
		p := newPrompter(cmd.InOrStdin(), out)
		resp, err = c.Agent(ctx, protocol.SocketRequest{
			Task:          task,
			ShellEnv:      shellEnv(),
			Mode:          modeFlag,
			MaxIterations: maxIterationsFlag,
		}, client.Interaction{
			OnStep:  func(s protocol.AgentStep) { printStep(out, s) },
			Confirm: p.confirmEvent,
		})
	}
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	fmt.Fprintf(out, "\n%s (%s)\n", resp.Message, resp.Status)
	if !resp.Success {
		return fmt.Errorf("task did not complete: %s", resp.Status)
	}
	return nil
}
