package main

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/tarpsync/internal/api"
	"github.com/spf13/cobra"
)

var limitFlag int

func init() {
	messagesCmd.Flags().IntVar(&limitFlag, "limit", 50, "show at most this many recent messages")
	rootCmd.AddCommand(groupsCmd, messagesCmd)
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List groups from the local mirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Groups(ctx)
			if err != nil {
				return err
			}
			return printResult(resp, func() {
				if len(resp.Groups) == 0 {
					fmt.Println("No groups found.")
					return
				}
				for _, g := range resp.Groups {
					fmt.Printf("%-24s %-30s unread=%-4d last=%s\n", g.ID, g.Name, g.UnreadCount, formatMillis(g.LastMessageAt))
				}
			})
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <group-id>",
	Short: "Show a group's recent messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.Messages(ctx, args[0], limitFlag)
			if err != nil {
				return err
			}
			return printResult(resp, func() {
				for _, m := range resp.Messages {
					mark := ""
					if m.IsPending {
						mark = " (pending)"
					}
					ts := time.UnixMilli(m.CreatedAt).Format("2006-01-02 15:04")
					fmt.Printf("[%s] %s: %s%s\n", ts, m.SenderName, m.Content, mark)
				}
			})
		})
	},
}
