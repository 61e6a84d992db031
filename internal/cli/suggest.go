// suggest.go implements "autoshell suggest" for single-command requests.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/autoshell/internal/protocol"
	"github.com/spf13/cobra"
)

var suggestCmd = &cobra.Command{
	Use:   "suggest <request>",
	Short: "Suggest one shell command for a request",
	Long: `Ask the daemon for a single shell command. Requests that need several
steps are answered with a hint to use "autoshell agent" instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSuggest,
}

var streamFlag bool

func init() {
	suggestCmd.Flags().BoolVar(&streamFlag, "stream", false, "Print the command as it is generated")
}

// shellEnv describes the calling terminal.
func shellEnv() protocol.ShellEnv {
	env := protocol.ShellEnv{OS: osFlag, Shell: shellFlag}
	if cwd, err := os.Getwd(); err == nil {
		env.Cwd = cwd
	}
	if env.Shell == "" {
		if sh := os.Getenv("SHELL"); sh != "" {
			env.Shell = sh[strings.LastIndex(sh, "/")+1:]
		}
	}
	return env
}

func runSuggest(cmd *cobra.Command, args []string) error {
	c := newClient()
	ctx := cmdContext(cmd)
	out := cmd.OutOrStdout()
	req := protocol.SuggestRequest{Query: strings.Join(args, " "), ShellEnv: shellEnv()}

	if streamFlag {
		for chunk, err := range c.StreamSuggest(ctx, req) {
			if err != nil {
				return fmt.Errorf("stream suggestion: %w", err)
			}
			fmt.Fprint(out, chunk)
		}
		fmt.Fprintln(out)
		return nil
	}

	sugg, err := c.Suggest(ctx, req)
	if err != nil {
		return fmt.Errorf("suggest: %w", err)
	}
	if sugg.UseAgent {
		fmt.Fprintf(out, "%s\nTry: autoshell agent %q\n", sugg.Explanation, req.Query)
		return nil
	}
	fmt.Fprintln(out, sugg.Command)
	if sugg.IsDangerous {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: this command is potentially dangerous")
	}
	return nil
}
