// session.go implements "autoshell session", which drives resumable agent
// sessions whose commands run in the local shell.
package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ashureev/autoshell/internal/agent"
	"github.com/ashureev/autoshell/internal/client"
	"github.com/ashureev/autoshell/internal/executor"
	"github.com/ashureev/autoshell/internal/protocol"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage agent sessions",
	Long: `Agent sessions advance one step per request. Commands the daemon
does not run itself are handed back to the caller, which runs them and
reports the outcome with "session step".`,
}

var sessionRunCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a task as a session, executing its commands locally",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionRun,
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <task>",
	Short: "Start a session and print its first step",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionStart,
}

var sessionStepCmd = &cobra.Command{
	Use:   "step <session-id>",
	Short: "Report the previous command and print the next step",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionStep,
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show the state of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionStatus,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionList,
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Cancel a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionDelete,
}

var (
	sessionModeFlag     string
	sessionMaxIterFlag  int
	stepCommandFlag     string
	stepExitCodeFlag    int
	stepStdoutFlag      string
	stepStderrFlag      string
	localShellFlag      string
	localCommandTimeout time.Duration
)

func init() {
	for _, c := range []*cobra.Command{sessionRunCmd, sessionStartCmd} {
		c.Flags().StringVar(&sessionModeFlag, "mode", "", "Agent mode: default, auto, or full_auto (default: daemon setting)")
		c.Flags().IntVar(&sessionMaxIterFlag, "max-iterations", 0, "Iteration budget (default: daemon setting)")
	}
	sessionRunCmd.Flags().StringVar(&localShellFlag, "local-shell", "/bin/sh", "Shell used to run commands locally")
	sessionRunCmd.Flags().DurationVar(&localCommandTimeout, "command-timeout", 5*time.Minute, "Timeout for each local command")

	sessionStepCmd.Flags().StringVar(&stepCommandFlag, "command", "", "Command that was run (empty if none)")
	sessionStepCmd.Flags().IntVar(&stepExitCodeFlag, "exit-code", 0, "Exit code of the command")
	sessionStepCmd.Flags().StringVar(&stepStdoutFlag, "stdout", "", "Captured standard output")
	sessionStepCmd.Flags().StringVar(&stepStderrFlag, "stderr", "", "Captured standard error")

	sessionCmd.AddCommand(sessionRunCmd)
	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionStepCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
}

func printSessionStep(w io.Writer, s protocol.SessionStep) {
	printStep(w, protocol.AgentStep{
		Iteration: s.Iteration,
		Action:    s.Action,
		Command:   s.Command,
		Success:   s.Error == "",
		Output:    s.Output,
		Error:     s.Error,
	})
	if s.TaskComplete {
		fmt.Fprintf(w, "\n%s (%s)\n", s.FinalMessage, s.Status)
	}
}

// deferred reports whether the daemon handed the step back to the caller.
func deferred(s protocol.SessionStep) bool {
	return s.NeedsConfirmation && s.Error == agent.MsgAwaitingClient
}

func runSessionRun(cmd *cobra.Command, args []string) error {
	c := newClient()
	ctx := cmdContext(cmd)
	out := cmd.OutOrStdout()
	p := newPrompter(cmd.InOrStdin(), out)
	shell := executor.NewShellExecutor(executor.ShellConfig{
		Shell:       localShellFlag,
		Timeout:     localCommandTimeout,
		Concurrency: 1,
	})

	step, err := c.StartSession(ctx, protocol.SessionStartRequest{
		Task:          strings.Join(args, " "),
		ShellEnv:      shellEnv(),
		Mode:          sessionModeFlag,
		MaxIterations: sessionMaxIterFlag,
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	for {
		if !deferred(step) {
			printSessionStep(out, step)
		}
		if step.TaskComplete {
			break
		}

		req := protocol.SessionStepRequest{SessionID: step.SessionID}
		switch {
		case deferred(step) && step.Action == "execute":
			fmt.Fprintf(out, "[%d] execute\n", step.Iteration)
			req = runLocally(cmd, shell, p, step)
		case step.Action == "execute":
			req = reportRemote(step)
		}

		step, err = c.StepSession(ctx, req)
		if err != nil {
			return fmt.Errorf("step session %s: %w", req.SessionID, err)
		}
	}

	if step.Status != "completed" {
		return fmt.Errorf("session %s ended %s", step.SessionID, step.Status)
	}
	return nil
}

// reportRemote echoes a command the daemon ran itself so its outcome is
// part of the history for the next proposal. The exit code is not part of
// the step, so only success or failure is reported.
func reportRemote(step protocol.SessionStep) protocol.SessionStepRequest {
	code := 0
	if step.Error != "" {
		code = 1
	}
	return protocol.SessionStepRequest{
		SessionID:    step.SessionID,
		LastCommand:  step.Command,
		LastExitCode: &code,
		LastStdout:   step.Output,
		LastStderr:   step.Error,
	}
}

// runLocally asks for confirmation, runs the command in the local shell,
// and builds the report for the next step.
func runLocally(cmd *cobra.Command, shell executor.Executor, p *prompter, step protocol.SessionStep) protocol.SessionStepRequest {
	out := cmd.OutOrStdout()
	req := protocol.SessionStepRequest{SessionID: step.SessionID, LastCommand: step.Command}

	if !p.confirm(step.Action, step.Command, step.IsDangerous) {
		code := 1
		req.LastExitCode = &code
		req.LastStderr = agent.MsgDeclined
		return req
	}

	res, err := shell.Run(cmdContext(cmd), step.Command)
	if err != nil {
		code := -1
		req.LastExitCode = &code
		req.LastStderr = err.Error()
		fmt.Fprintln(out, indent("error: "+err.Error()))
		return req
	}
	req.LastExitCode = &res.ExitCode
	req.LastStdout = res.Stdout
	req.LastStderr = res.Stderr
	if s := strings.TrimRight(res.Stdout, "\n"); s != "" {
		fmt.Fprintln(out, indent(s))
	}
	if s := strings.TrimRight(res.Stderr, "\n"); s != "" {
		fmt.Fprintln(out, indent(s))
	}
	return req
}

func runSessionStart(cmd *cobra.Command, args []string) error {
	step, err := newClient().StartSession(cmdContext(cmd), protocol.SessionStartRequest{
		Task:          strings.Join(args, " "),
		ShellEnv:      shellEnv(),
		Mode:          sessionModeFlag,
		MaxIterations: sessionMaxIterFlag,
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session: %s\n", step.SessionID)
	printSessionStep(out, step)
	return nil
}

func runSessionStep(cmd *cobra.Command, args []string) error {
	req := protocol.SessionStepRequest{SessionID: args[0], LastCommand: stepCommandFlag}
	if stepCommandFlag != "" {
		code := stepExitCodeFlag
		req.LastExitCode = &code
		req.LastStdout = stepStdoutFlag
		req.LastStderr = stepStderrFlag
	}
	step, err := newClient().StepSession(cmdContext(cmd), req)
	if err != nil {
		return sessionError(args[0], err)
	}
	printSessionStep(cmd.OutOrStdout(), step)
	return nil
}

func runSessionStatus(cmd *cobra.Command, args []string) error {
	s, err := newClient().Session(cmdContext(cmd), args[0])
	if err != nil {
		return sessionError(args[0], err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session:   %s\n", s.SessionID)
	fmt.Fprintf(out, "Task:      %s\n", s.Task)
	fmt.Fprintf(out, "Mode:      %s\n", s.Mode)
	fmt.Fprintf(out, "Status:    %s\n", s.Status)
	fmt.Fprintf(out, "Iteration: %d/%d\n", s.Iteration, s.MaxIterations)
	fmt.Fprintf(out, "History:   %d entries\n", s.HistoryLength)
	if s.FinalMessage != "" {
		fmt.Fprintf(out, "Result:    %s\n", s.FinalMessage)
	}
	return nil
}

func runSessionList(cmd *cobra.Command, _ []string) error {
	list, err := newClient().Sessions(cmdContext(cmd))
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	out := cmd.OutOrStdout()
	if list.Count == 0 {
		fmt.Fprintln(out, "No live sessions")
		return nil
	}
	for _, s := range list.Sessions {
		fmt.Fprintf(out, "  %-36s  %-9s  %-9s  %2d  %s\n", s.SessionID, s.Mode, s.Status, s.Iteration, s.Task)
	}
	return nil
}

func runSessionDelete(cmd *cobra.Command, args []string) error {
	if err := newClient().DeleteSession(cmdContext(cmd), args[0]); err != nil {
		return sessionError(args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s deleted\n", args[0])
	return nil
}

func sessionError(id string, err error) error {
	if client.IsNotFound(err) {
		return fmt.Errorf("session %s not found or expired", id)
	}
	return err
}
