// Command pocketbrain is the PocketBrain CLI entry point: serve starts
// the long-running core (channels, orchestrator, queue, scheduler, IPC
// watcher), auth login runs the OAuth PKCE flow for a backend provider,
// and version prints the build version. Structure mirrors
// thrapt-picobot's cmd/picobot root command, generalized from picobot's
// single gateway subcommand into PocketBrain's serve/auth/version set.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCmd builds the pocketbrain command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pocketbrain",
		Short: "pocketbrain — personal AI-assistant control plane",
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pocketbrain v%s\n", version)
		},
	})

	root.AddCommand(newServeCmd())
	root.AddCommand(newAuthCmd())

	return root
}
