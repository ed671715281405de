package main

import (
	"os"

	"github.com/chatbridge/relay/cmd"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "Relay daemon bridging local coding agents to chat platforms",
		Long: `relayd supervises locally running coding-agent sessions, tails their
event logs, and relays messages, tool activity, and permission prompts to
a connected chat adapter.`,
	}

	rootCmd.AddCommand(cmd.NewStartCmd())
	rootCmd.AddCommand(cmd.NewStopCmd())
	rootCmd.AddCommand(cmd.NewStatusCmd())
	rootCmd.AddCommand(cmd.NewSessionsCmd())
	rootCmd.AddCommand(cmd.NewConfigCmd())
	rootCmd.AddCommand(cmd.NewLogsCmd())
	rootCmd.AddCommand(cmd.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
