package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentrelay",
	Short: "Agent Relay - a signed-message relay for an agent coordination network",
	Long: `Agent Relay authenticates independently-keyed agents, routes signed
envelopes between them over WebSocket or REST, buffers messages for
configured stored-for peers while they are offline, and publishes presence
events as agents connect and disconnect.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
