// Package commands implements the clawgate CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clawgate",
		Short: "ClawGate - resilient AI assistant gateway",
		Long: `ClawGate is a personal AI assistant gateway. It connects messaging
channels (WhatsApp, Telegram, Discord, webchat) to LLM providers with
automatic failover, reconnection and outbound queueing.

Examples:
  clawgate serve
  clawgate serve --channel webchat
  clawgate chat "hello"
  clawgate health`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newChatCmd(),
		newHealthCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
