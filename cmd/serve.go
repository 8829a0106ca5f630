package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/curbpost/curbpost/internal/observability"
	"github.com/curbpost/curbpost/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the curbpost backend: worker API, sweepers and session pool.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.API.WorkerSecret == "" {
			return fmt.Errorf("api.worker_secret is required (set CURBPOST_WORKER_SECRET)")
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		components, err := service.Build(ctx, cfg)
		if err != nil {
			return err
		}

		defer observability.Sync()
		return components.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
