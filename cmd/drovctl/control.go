package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/drover/internal/monitor"
	"github.com/fyrsmithlabs/drover/internal/recovery"
)

var sweepJSON bool

func init() {
	sweepCmd.Flags().BoolVar(&sweepJSON, "json", false, "Output as JSON")
}

// startCmd starts the polling and recovery loops
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the polling and recovery loops",
	Long: `Start the daemon's polling and recovery loops. Safe to repeat;
starting a running pipeline is a no-op.

Examples:
  drovctl start`,
	RunE: runStart,
}

// stopCmd stops the polling and recovery loops
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the polling and recovery loops",
	Long: `Stop the daemon's polling and recovery loops. The HTTP API stays
up, so the pipeline can be restarted with "drovctl start".

Examples:
  drovctl stop`,
	RunE: runStop,
}

// sweepCmd forces a recovery sweep
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Force a recovery sweep now",
	Long: `Force an immediate recovery sweep and print its report. The sweep
runs stall detection over active issues and retries stalled ones.

Examples:
  # Force a sweep
  drovctl sweep

  # Report as JSON
  drovctl sweep --json`,
	RunE: runSweep,
}

// runStart handles the start command
func runStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := monitor.NewClient(serverURL).StartPolling(ctx)
	if err != nil {
		return fmt.Errorf("failed to start pipeline on %s: %w", serverURL, err)
	}

	fmt.Printf("Pipeline %s\n", resp.Status)
	return nil
}

// runStop handles the stop command
func runStop(cmd *cobra.Command, args []string) error {
	// Stop waits for in-flight cycles, so allow more than one poll.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := monitor.NewClient(serverURL).StopPolling(ctx)
	if err != nil {
		return fmt.Errorf("failed to stop pipeline on %s: %w", serverURL, err)
	}

	fmt.Printf("Pipeline %s\n", resp.Status)
	return nil
}

// runSweep handles the sweep command
func runSweep(cmd *cobra.Command, args []string) error {
	// Sweeps touch the gateway per stalled issue; give them room.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := monitor.NewClient(serverURL).Sweep(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep on %s: %w", serverURL, err)
	}

	if sweepJSON {
		return outputJSON(report)
	}

	fmt.Print(renderSweepReport(report))
	return nil
}

// renderSweepReport renders a sweep report for terminal output
func renderSweepReport(report recovery.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Sweep finished in %s\n", monitor.FormatDuration(report.Elapsed))
	fmt.Fprintf(&b, "  Swept:     %d\n", report.Swept)
	fmt.Fprintf(&b, "  Stalled:   %d\n", report.Stalled)
	fmt.Fprintf(&b, "  Advanced:  %d\n", report.Advanced)
	fmt.Fprintf(&b, "  Reinvoked: %d\n", report.Reinvoked)
	fmt.Fprintf(&b, "  Remained:  %d\n", report.Remained)
	if report.Errors > 0 {
		fmt.Fprintf(&b, "  Errors:    %d\n", report.Errors)
	}

	return b.String()
}
