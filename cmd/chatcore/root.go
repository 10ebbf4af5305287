package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const appName = "chatcore"

// Execute builds the root command and runs it to completion.
func Execute(ctx context.Context) error {
	var configPath string

	root := &cobra.Command{
		Use:   appName,
		Short: "Resilient messaging core: streams, retries, fallback and dead-letter recovery",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (defaults built in if omitted)")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(workerCmd(&configPath))
	root.AddCommand(healthCmd(&configPath))
	root.AddCommand(resyncCmd(&configPath))

	log.Info().Msg("chatcore starting")
	return root.ExecuteContext(ctx)
}
