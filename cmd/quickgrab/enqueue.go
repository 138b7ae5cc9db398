package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"quickgrab/internal/model"
	"quickgrab/internal/shared/types"
	"quickgrab/internal/store"
)

func enqueueCmd(cfg *types.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <request.json>",
		Short: "Insert a pending grab request read from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var req model.Request
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("invalid request JSON: %w", err)
			}
			if req.Link == "" {
				return fmt.Errorf("request 'link' is empty")
			}
			req.ID = 0
			req.Status = model.StatusPending

			st, err := store.Open(cmd.Context(), cfg.DatabaseConf)
			if err != nil {
				return err
			}
			defer st.Close()

			id, err := st.Insert(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("failed to enqueue request: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Request %d enqueued.\n", id)
			return nil
		},
	}
}
