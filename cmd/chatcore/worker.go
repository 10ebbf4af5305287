package main

import (
	"github.com/spf13/cobra"
)

// workerCmd runs only the supervised worker pool, with no HTTP server -
// for deployments that run ingestion (serve) and recovery (worker) as
// separate processes so a slow recovery sweep never competes with the
// request path for CPU.
func workerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the retry/fallback/WAL-recovery/monitoring worker pool without the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			a.log.Info().Msg("worker pool starting")
			a.pool.Start(ctx)
			<-ctx.Done()
			a.log.Info().Msg("shutdown signal received, draining in-flight ticks")
			a.pool.Stop()
			return nil
		},
	}
}
