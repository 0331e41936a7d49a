// Package main implements the drovctl CLI for operating a droverd daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/drover/internal/monitor"
)

var (
	// serverURL is the base URL for the droverd HTTP API
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drovctl",
	Short: "CLI for droverd pipeline operations",
	Long: `drovctl is a command-line interface for operating a droverd daemon.
It inspects the issue pipeline, drives the polling and recovery loops, and
ships a live terminal dashboard.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9820", "droverd server URL")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(issuesCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(watchCmd)
}

// healthCmd checks daemon health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check droverd health",
	Long: `Check the health of the droverd daemon.

Examples:
  # Check health
  drovctl health

  # Check health on a different server
  drovctl health --server http://localhost:9821`,
	RunE: runHealth,
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := monitor.NewClient(serverURL).Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach droverd at %s: %w", serverURL, err)
	}

	fmt.Printf("Server Status: %s\n", health.Status)
	fmt.Printf("Server URL: %s\n", serverURL)

	return nil
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
