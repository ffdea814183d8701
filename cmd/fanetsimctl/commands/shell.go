package commands

import (
	"fmt"

	"github.com/reeflective/console"
	"github.com/spf13/cobra"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive fanetsimctl console",
		Long:  "Launches a readline-driven console exposing report/watch/version as shell commands.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runShell()
		},
	}
}

func runShell() error {
	app := console.New("fanetsimctl")

	menu := app.ActiveMenu()
	menu.SetCommands(func() *cobra.Command {
		return rootCmd
	})

	if err := app.Start(); err != nil {
		return fmt.Errorf("start console: %w", err)
	}

	return nil
}
