package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// serveCmd starts the long-running process: the supervised worker pool
// plus an HTTP server exposing /healthz and /metrics. Message ingestion
// itself happens through pipeline.Receive, called by whatever transport
// layer (HTTP handler, gRPC service, WebSocket gateway) embeds this
// module - that surface is out of scope here, so serve's own HTTP server
// carries only the operational endpoints.
func serveCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and operational HTTP endpoints (/healthz, /metrics)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := pingRedis(ctx, a.redis); err != nil {
				a.log.Warn().Err(err).Msg("redis not reachable at startup, continuing - breaker will gate failures")
			}

			if incomplete, err := a.walLog.ScanIncomplete(ctx, 1000, a.cfg.Pipeline.WALTimeout()); err != nil {
				a.log.Warn().Err(err).Msg("wal startup scan failed")
			} else {
				for _, inc := range incomplete {
					if err := a.pipeline.RecoverWALEntry(ctx, inc); err != nil {
						a.log.Error().Err(err).Str("walId", inc.WALID).Msg("wal startup recovery failed")
					}
				}
				a.metrics.WALRecoveries.Add(float64(len(incomplete)))
				a.log.Info().Int("count", len(incomplete)).Msg("wal startup recovery complete")
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", a.metrics.Handler())
			mux.HandleFunc("/healthz", healthzHandler(a))

			server := &http.Server{
				Addr:         addr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}

			a.pool.Start(ctx)
			defer a.pool.Stop()

			serverErr := make(chan error, 1)
			go func() {
				a.log.Info().Str("addr", addr).Msg("operational http server listening")
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					serverErr <- err
				}
			}()

			select {
			case <-ctx.Done():
				a.log.Info().Msg("shutdown signal received")
			case err := <-serverErr:
				return fmt.Errorf("operational http server failed: %w", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8090", "address the operational HTTP server listens on")
	return cmd
}
