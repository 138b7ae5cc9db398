package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"quickgrab/internal/app"
	"quickgrab/internal/shared/types"
)

func proxiesCmd(cfg *types.Config) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Fetch proxies from the configured sources, probe them and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			svc, err := app.NewProxyService(cfg)
			if err != nil {
				return err
			}
			if err := svc.Refresh(ctx); err != nil {
				return fmt.Errorf("failed to refresh proxies: %w", err)
			}
			out := cmd.OutOrStdout()
			proxies := svc.ListProxies()
			for _, ep := range proxies {
				fmt.Fprintf(out, "%-28s %6dms  %s\n", ep.Redacted(), ep.Latency.Milliseconds(), ep.Source)
			}
			fmt.Fprintf(out, "%d proxies\n", len(proxies))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Overall timeout for fetching and probing")
	return cmd
}
