// Command accesscase is the sync-core CLI for offline-first case
// management clients: drain the queue once, inspect queue and conflict
// state, or run the auto-sync daemon with the server bridge connected.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openhabitat/accesscase/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:           "accesscase",
		Short:         "Offline-first sync core for home accessibility assessments",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newSyncCmd(),
		newStatusCmd(),
		newConflictsCmd(),
		newResolveCmd(),
		newRetryCmd(),
		newRunCmd(),
	)

	if err := root.Execute(); err != nil {
		logging.Error("command failed", err, nil)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
