// Package commands implements the Ashley CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ashley",
		Short: "Ashley - LLM group chat companion",
		Long: `Ashley is a group chat companion driven by a local LLM.
She decides on her own when to join a conversation, remembers what she
skipped, and keeps per-group dialogue memory across restarts.

Examples:
  ashley serve
  ashley serve --config ./config.yaml`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}
