package main

import (
	"fmt"
	"os"

	"github.com/matheus3301/tarpsync/internal/daemon"
	"github.com/matheus3301/tarpsync/internal/profile"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	var profileFlag, logLevel string

	cmd := &cobra.Command{
		Use:          "tarpd",
		Short:        "Offline-first sync daemon for one profile",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := profile.Resolve(profileFlag)
			if err := profile.ValidateName(name); err != nil {
				return err
			}
			app := fx.New(
				daemon.Module(daemon.Params{ProfileName: name, LogLevel: logLevel}),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	cmd.Flags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
