package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	droverhttp "github.com/fyrsmithlabs/drover/internal/http"
	"github.com/fyrsmithlabs/drover/internal/monitor"
	"github.com/fyrsmithlabs/drover/internal/pipeline"
)

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

// statusCmd shows the daemon's pipeline status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline status",
	Long: `Show the daemon's pipeline status: poller and recovery state, the
last cycle's numbers, and per-stage issue counts.

Examples:
  # Show status
  drovctl status

  # Output as JSON
  drovctl status --json`,
	RunE: runStatus,
}

// runStatus handles the status command
func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := monitor.NewClient(serverURL).Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch status from %s: %w", serverURL, err)
	}

	if statusJSON {
		return outputJSON(status)
	}

	fmt.Print(renderStatus(status))
	return nil
}

// renderStatus renders the status document for terminal output
func renderStatus(status droverhttp.StatusResponse) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Repo:       %s\n", status.Repo)
	if status.Version != "" {
		fmt.Fprintf(&b, "Version:    %s\n", status.Version)
	}

	fmt.Fprintf(&b, "Poller:     %s\n", runningWord(status.Poller.Running))

	cycle := status.Poller.LastCycle
	if cycle.CycleID == "" {
		b.WriteString("Last cycle: none yet\n")
	} else {
		fmt.Fprintf(&b, "Last cycle: discovered=%d processed=%d actions=%d errors=%d (%s, %s)\n",
			cycle.Discovered, cycle.Processed, cycle.Actions, cycle.Errors,
			monitor.FormatDuration(cycle.Elapsed), monitor.FormatAge(cycle.StartedAt))
	}
	if until := status.Poller.RateLimitedUntil; !until.IsZero() && time.Now().Before(until) {
		fmt.Fprintf(&b, "Rate limit: paused until %s\n", until.Format(time.Kitchen))
	}

	sweep := status.Recovery.LastSweep
	fmt.Fprintf(&b, "Recovery:   %s, last sweep %s (swept=%d stalled=%d advanced=%d reinvoked=%d)\n",
		runningWord(status.Recovery.Running), monitor.FormatAge(sweep.At),
		sweep.Swept, sweep.Stalled, sweep.Advanced, sweep.Reinvoked)

	fmt.Fprintf(&b, "Tracked:    %d issues\n", status.Issues.Total)
	for stage := pipeline.StageBacklog; stage <= pipeline.StageStalled; stage++ {
		fmt.Fprintf(&b, "  %-16s%d\n", monitor.FormatStage(stage), status.Issues.ByStage[stage.String()])
	}

	return b.String()
}

func runningWord(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}
