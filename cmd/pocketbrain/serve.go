package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pocketbrain/pocketbrain/pkg/config"
	"github.com/pocketbrain/pocketbrain/pkg/runtime"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the long-running core (channels, orchestrator, queue, scheduler, IPC watcher)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			core, err := runtime.Build(cfg)
			if err != nil {
				return fmt.Errorf("building core: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Fprintln(cmd.OutOrStdout(), "shutting down pocketbrain")
				cancel()
			}()

			return core.Run(ctx)
		},
	}
}
