package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/hydra/internal/tui/watch"
)

func newWatchCmd() *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live terminal view of a running fleet",
		Long:  "watch follows the status API of a fleet started with serve --status-listen.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := tea.NewProgram(watch.New(apiURL), tea.WithContext(cmd.Context()))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "http://127.0.0.1:8081", "Status API URL")
	return cmd
}
