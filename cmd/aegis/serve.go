package main

import (
	"os/signal"
	"syscall"

	"aegis/cmd/internal/app"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the aegis runtime and its operations server",
		Long: `Wire every component from the environment, restore persisted state and
serve /healthz, /readyz and /metrics until SIGINT or SIGTERM.

Postgres persistence is enabled by AEGIS_DATABASE_URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return app.Run(ctx)
		},
	}
}
