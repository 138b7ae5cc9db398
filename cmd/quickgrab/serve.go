package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"quickgrab/internal/app"
	"quickgrab/internal/shared/types"
)

func serveCmd(cfg *types.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, proxy pool and operational endpoints until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}
