package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/drover/internal/monitor"
)

var watchInterval time.Duration

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "refresh interval")
}

// watchCmd runs the live dashboard
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live pipeline dashboard",
	Long: `Run a live terminal dashboard for the pipeline: per-stage issue
counts, cycle stats with sparklines, and the recovery sweeper's reports.

Keys: q quits, r refreshes, s forces a recovery sweep.

Examples:
  # Watch with the default 2s refresh
  drovctl watch

  # Slower refresh
  drovctl watch --interval 10s`,
	RunE: runWatch,
}

// runWatch handles the watch command
func runWatch(cmd *cobra.Command, args []string) error {
	model := monitor.NewModel(serverURL, watchInterval)

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard failed: %w", err)
	}

	return nil
}
