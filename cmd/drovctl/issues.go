package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	droverhttp "github.com/fyrsmithlabs/drover/internal/http"
	"github.com/fyrsmithlabs/drover/internal/monitor"
	"github.com/fyrsmithlabs/drover/internal/pipeline"
)

var (
	issuesStage string
	issuesJSON  bool
)

func init() {
	issuesCmd.Flags().StringVar(&issuesStage, "stage", "", "Filter by pipeline stage (e.g. stalled)")
	issuesCmd.Flags().BoolVar(&issuesJSON, "json", false, "Output as JSON")
}

// issuesCmd lists tracked issues or shows one issue in detail
var issuesCmd = &cobra.Command{
	Use:   "issues [number]",
	Short: "List tracked issues",
	Long: `List the issues the daemon tracks, or show one issue with its
sub-issues.

Examples:
  # List all tracked issues
  drovctl issues

  # Only stalled issues
  drovctl issues --stage stalled

  # One issue with its sub-issues
  drovctl issues 41

  # Output as JSON
  drovctl issues --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIssues,
}

// runIssues handles the issues command
func runIssues(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := monitor.NewClient(serverURL)

	if len(args) == 1 {
		number, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid issue number %q", args[0])
		}

		detail, err := client.Issue(ctx, number)
		if err != nil {
			return fmt.Errorf("failed to fetch issue %d from %s: %w", number, serverURL, err)
		}

		if issuesJSON {
			return outputJSON(detail)
		}
		fmt.Print(renderIssueDetail(detail))
		return nil
	}

	// Validate the filter before the round trip.
	if issuesStage != "" {
		if _, err := pipeline.ParseStage(issuesStage); err != nil {
			return err
		}
	}

	issues, err := client.Issues(ctx, issuesStage)
	if err != nil {
		return fmt.Errorf("failed to fetch issues from %s: %w", serverURL, err)
	}

	if issuesJSON {
		return outputJSON(issues)
	}
	fmt.Print(renderIssuesTable(issues.Issues))
	return nil
}

// renderIssuesTable renders tracked issues as an aligned table
func renderIssuesTable(issues []pipeline.State) string {
	if len(issues) == 0 {
		return "No tracked issues\n"
	}

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NUMBER\tSTAGE\tAGENT\tIN STAGE\tLAST ERROR")
	for _, issue := range issues {
		inStage := "-"
		if !issue.EnteredStageAt.IsZero() {
			inStage = monitor.FormatDuration(time.Since(issue.EnteredStageAt))
		}
		fmt.Fprintf(w, "#%d\t%s\t%s\t%s\t%s\n",
			issue.IssueNumber,
			issue.Stage,
			issue.Agent,
			inStage,
			truncate(issue.LastError, 48),
		)
	}
	w.Flush()

	return b.String()
}

// renderIssueDetail renders one issue with its sub-issues
func renderIssueDetail(detail droverhttp.IssueDetail) string {
	var b strings.Builder
	state := detail.State

	fmt.Fprintf(&b, "Issue:      #%d (%s)\n", state.IssueNumber, state.Repo)
	fmt.Fprintf(&b, "Stage:      %s", state.Stage)
	if state.Stage == pipeline.StageStalled {
		fmt.Fprintf(&b, " (from %s, stall count %d)", state.StalledFrom, state.StallCount)
	}
	b.WriteString("\n")
	if state.Agent != "" {
		fmt.Fprintf(&b, "Agent:      %s (assigned %s)\n", state.Agent, monitor.FormatAge(state.AssignedAt))
	}
	fmt.Fprintf(&b, "Advanced:   %s\n", monitor.FormatAge(state.LastAdvancedAt))
	fmt.Fprintf(&b, "Seen:       %s\n", monitor.FormatAge(state.LastSeenAt))
	if state.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", state.LastError)
	}

	if len(detail.SubIssues) == 0 {
		return b.String()
	}

	b.WriteString("\nSub-issues:\n")
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NUMBER\tAGENT\tPR\tDONE")
	for _, sub := range detail.SubIssues {
		pr := "-"
		if sub.PR != nil {
			pr = fmt.Sprintf("#%d (%s)", sub.PR.Number, sub.PR.State)
		}
		done := ""
		if sub.Completed {
			done = "yes"
		}
		fmt.Fprintf(w, "  #%d\t%s\t%s\t%s\n", sub.Number, sub.Agent, pr, done)
	}
	w.Flush()

	return b.String()
}
