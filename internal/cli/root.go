package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X agent-bridge/internal/cli.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "agent-bridge",
	Short: "Web bridge for supervised coding agent sessions",
	Long: `agent-bridge runs coding agent subprocesses, streams their output to any
number of web observers, and pauses sensitive tool calls until a human
approves or denies them.

Running 'agent-bridge' without a subcommand is equivalent to 'agent-bridge serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "agent-bridge %s\n", version)
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to YAML config file (default: built-in defaults)")
	rootCmd.PersistentFlags().String("addr", "", "Listen address, overrides server.addr")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
