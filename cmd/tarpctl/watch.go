package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/tarpsync/internal/api"
	"github.com/matheus3301/tarpsync/internal/profile"
	"github.com/spf13/cobra"
)

var namespaceFlag string

func init() {
	watchCmd.Flags().StringVar(&namespaceFlag, "namespace", "", "only events whose kind starts with this prefix")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := profileName()
		if err != nil {
			return err
		}
		c, err := api.Dial(profile.SocketPath(name))
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = c.Watch(ctx, namespaceFlag, func(env *api.EventEnvelope) error {
			if jsonFlag {
				return outputJSON(env)
			}
			ts := time.UnixMilli(env.OccurredAt).Format(time.TimeOnly)
			fmt.Printf("%s %-24s %s\n", ts, env.Kind, env.Payload)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}
