package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

// execCmd runs one remote dispatch without entering the shell, for scripting:
//
//	herd --cluster web exec 'worker*' 'uptime'
var execCmd = &cobra.Command{
	Use:   "exec <target> <command...>",
	Short: "Run one command on matching nodes and exit",
	Long: `Dispatch a command to every node matching the target, stream the
tagged output, and exit once every node's capture window closes.

The target is a node name, a glob, or an attribute filter, the same syntax
the interactive shell accepts after '@'.

Examples:
  herd exec worker0 uptime
  herd --cluster web exec 'worker*' 'df -h'
  herd exec tags=env:dev 'systemctl status app'`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx, configFlag, clusterFlag)
		if err != nil {
			return err
		}
		defer a.close()

		line := "@" + args[0] + " " + strings.Join(args[1:], " ")
		return a.dispatcher.Submit(ctx, line)
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
}
