package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/matheus3301/tarpsync/internal/profile"
	"github.com/spf13/cobra"
)

type profileInfo struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	DaemonRunning bool   `json:"daemonRunning"`
}

func init() {
	profilesCmd.AddCommand(profilesListCmd)
	rootCmd.AddCommand(profilesCmd)
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage profiles",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := os.ReadDir(filepath.Join(profile.BaseDir(), "profiles"))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		var out []profileInfo
		for _, e := range entries {
			if !e.IsDir() || profile.ValidateName(e.Name()) != nil {
				continue
			}
			_, sockErr := os.Stat(profile.SocketPath(e.Name()))
			out = append(out, profileInfo{
				Name:          e.Name(),
				Path:          profile.Dir(e.Name()),
				DaemonRunning: sockErr == nil,
			})
		}
		return printResult(out, func() {
			if len(out) == 0 {
				fmt.Println("No profiles found.")
				return
			}
			for _, p := range out {
				running := "stopped"
				if p.DaemonRunning {
					running = "running"
				}
				fmt.Printf("%-20s %s (%s)\n", p.Name, p.Path, running)
			}
		})
	},
}
