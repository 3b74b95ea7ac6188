package main

import (
	"context"
	"fmt"

	"github.com/matheus3301/tarpsync/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd, drainCmd, onlineCmd, offlineCmd, autoCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a reconcile pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			res, err := c.Reconcile(ctx)
			if err != nil {
				return err
			}
			return printResult(res, func() {
				if res.Skipped {
					fmt.Println("A reconcile pass is already running.")
					return
				}
				fmt.Printf("Checked %d groups, %d stale, %d synced, %d failed\n", res.Checked, res.Stale, res.Synced, res.Failed)
			})
		})
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver queued actions now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			res, err := c.Drain(ctx)
			if err != nil {
				return err
			}
			return printResult(res, func() {
				if res.Skipped {
					fmt.Println("A drain is already running.")
					return
				}
				fmt.Printf("Attempted %d, synced %d, failed %d, dropped %d\n", res.Attempted, res.Synced, res.Failed, res.Dropped)
			})
		})
	},
}

func setOnline(online *bool) error {
	return withClient(func(ctx context.Context, c *api.Client) error {
		res, err := c.SetOnline(ctx, online)
		if err != nil {
			return err
		}
		return printResult(res, func() {
			state := "offline"
			if res.Online {
				state = "online"
			}
			mode := "probe"
			if res.Pinned {
				mode = "manual"
			}
			fmt.Printf("Connectivity: %s (%s)\n", state, mode)
		})
	})
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Force the daemon online",
	RunE: func(cmd *cobra.Command, args []string) error {
		v := true
		return setOnline(&v)
	},
}

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Force the daemon offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		v := false
		return setOnline(&v)
	},
}

var autoCmd = &cobra.Command{
	Use:   "auto",
	Short: "Return connectivity detection to the probe",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setOnline(nil)
	},
}
