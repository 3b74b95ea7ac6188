package main

import (
	"context"
	"fmt"

	"github.com/matheus3301/tarpsync/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue and cache state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			return printResult(st, func() {
				conn := "offline"
				if st.Online {
					conn = "online"
				}
				if st.Pinned {
					conn += " (manual)"
				}
				fmt.Printf("Profile:        %s\n", st.Profile)
				fmt.Printf("Connectivity:   %s\n", conn)
				fmt.Printf("Syncing:        %v\n", st.Syncing)
				fmt.Printf("Draining:       %v\n", st.Draining)
				fmt.Printf("Pending:        %d (%d failing)\n", st.PendingActions, st.FailingActions)
				fmt.Printf("Last reconcile: %s\n", formatMillis(st.LastReconcileAt))
				fmt.Printf("Store:          %s (%d groups, %d messages)\n", st.StoreBackend, st.Store.Groups, st.Store.Messages)
				fmt.Printf("Image cache:    %d/%d (%d expired)\n", st.Cache.Total, st.Cache.Max, st.Cache.Expired)
				fmt.Printf("Uptime:         %dms\n", st.UptimeMs)
			})
		})
	},
}
