// Package cli is the herd command surface: the interactive cluster shell,
// a one-shot exec mode for scripting, and version plumbing.
package cli

import (
	"fmt"
	"os"

	"github.com/rileyhilliard/herd/internal/errors"
	"github.com/spf13/cobra"
)

// Persistent flags
var (
	configFlag  string
	clusterFlag string
	noColorFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "herd",
	Short: "Interactive shell for administering clusters of remote machines",
	Long: `herd keeps a persistent shell open on every machine you address and
multiplexes their output back to you, tagged per node.

Inside the shell:
  @web* uptime          run a command on every node matching web*
  @tags=env:dev df -h   address nodes by attribute
  @web0                 drop into a raw interactive shell on one node
  help                  list the built-in verbs

Cluster definitions live in ~/.herd/clusters/*.yaml.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShell(cmd.Context(), configFlag, clusterFlag)
	},
}

// Execute runs the root command and maps errors to exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		if errors.IsCode(err, errors.ErrConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to config file (default ~/.herd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&clusterFlag, "cluster", "", "cluster to activate at startup")
	rootCmd.PersistentFlags().BoolVar(&noColorFlag, "no-color", false, "disable colored output")
}
