package main

import (
	"context"
	"fmt"

	"github.com/matheus3301/tarpsync/internal/api"
	"github.com/spf13/cobra"
)

var yesFlag bool

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
	storeClearCmd.Flags().BoolVar(&yesFlag, "yes", false, "confirm wiping local data")
	storeCmd.AddCommand(storeClearCmd)
	rootCmd.AddCommand(cacheCmd, storeCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the image cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show image cache usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.CacheStats(ctx)
			if err != nil {
				return err
			}
			return printResult(st, func() {
				fmt.Printf("Entries: %d/%d\n", st.Total, st.Max)
				fmt.Printf("Expired: %d\n", st.Expired)
				fmt.Printf("Oldest:  %s\n", formatMillis(st.Oldest))
			})
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty the image and read caches",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			if err := c.CacheClear(ctx); err != nil {
				return err
			}
			return printResult(map[string]bool{"cleared": true}, func() {
				fmt.Println("Cache cleared.")
			})
		})
	},
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the local store",
}

var storeClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Wipe all local data, including queued actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !yesFlag {
			return fmt.Errorf("refusing to wipe local data without --yes")
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			if err := c.StoreClear(ctx); err != nil {
				return err
			}
			return printResult(map[string]bool{"cleared": true}, func() {
				fmt.Println("Local store cleared.")
			})
		})
	},
}
