// Package main is the agentd CLI: it runs the coordinator daemon and
// talks to a running one.
//
// Start the daemon:
//
//	agentd serve --config agentd.yaml
//
// Inspect and stop it:
//
//	agentd status
//	agentd stop
//
// Environment variables AGENTD_HOST, AGENTD_PORT, AGENTD_TOKEN,
// AGENTD_DATA_DIR, and AGENTD_LOG_LEVEL override file configuration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "agentd",
		Short:         "Long-lived coordinator for conversational agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildStopCmd(),
		buildVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
