package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/matheus3301/tarpsync/internal/api"
	"github.com/matheus3301/tarpsync/internal/backend"
	"github.com/matheus3301/tarpsync/internal/outbox"
	"github.com/spf13/cobra"
)

var (
	replyToFlag string
	fileFlag    string
)

func init() {
	sendMessageCmd.Flags().StringVar(&replyToFlag, "reply-to", "", "message id to reply to")
	sendMessageCmd.Flags().StringVar(&fileFlag, "file", "", "attach a file")

	sendCmd.AddCommand(sendMessageCmd, sendDeleteCmd, sendReactCmd, sendReadCmd, sendJoinCmd, sendLeaveCmd)
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Queue a change for delivery",
}

func send(in outbox.Intent) error {
	return withClient(func(ctx context.Context, c *api.Client) error {
		res, err := c.Send(ctx, in)
		if err != nil {
			return err
		}
		return printResult(res, func() {
			if res.Action != nil {
				fmt.Printf("Queued %s action %s\n", res.Action.Type, res.Action.ID)
			}
			if res.TempID != "" {
				fmt.Printf("Local message id: %s\n", res.TempID)
			}
		})
	})
}

func readAttachment(path string) (*backend.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	return &backend.File{
		Name: filepath.Base(path),
		Size: int64(len(data)),
		Data: base64.StdEncoding.EncodeToString(data),
		Ext:  strings.TrimPrefix(filepath.Ext(path), "."),
	}, nil
}

var sendMessageCmd = &cobra.Command{
	Use:   "message <group-id> [text...]",
	Short: "Send a message to a group",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := outbox.Intent{
			Type:    outbox.TypeMessage,
			GroupID: args[0],
			Content: strings.Join(args[1:], " "),
			ReplyTo: replyToFlag,
		}
		if fileFlag != "" {
			f, err := readAttachment(fileFlag)
			if err != nil {
				return err
			}
			in.File = f
		}
		return send(in)
	},
}

var sendDeleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(outbox.Intent{Type: outbox.TypeDeleteMessage, MessageID: args[0]})
	},
}

var sendReactCmd = &cobra.Command{
	Use:   "react <message-id> <reaction>",
	Short: "React to a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(outbox.Intent{Type: outbox.TypeReaction, MessageID: args[0], Reaction: args[1]})
	},
}

var sendReadCmd = &cobra.Command{
	Use:   "read <group-id>",
	Short: "Mark a group as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(outbox.Intent{Type: outbox.TypeReadStatus, GroupID: args[0]})
	},
}

var sendJoinCmd = &cobra.Command{
	Use:   "join <group-id>",
	Short: "Join a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(outbox.Intent{Type: outbox.TypeJoinGroup, GroupID: args[0]})
	},
}

var sendLeaveCmd = &cobra.Command{
	Use:   "leave <group-id>",
	Short: "Leave a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(outbox.Intent{Type: outbox.TypeLeaveGroup, GroupID: args[0]})
	},
}
