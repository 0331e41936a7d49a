package main

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	droverhttp "github.com/fyrsmithlabs/drover/internal/http"
	"github.com/fyrsmithlabs/drover/internal/pipeline"
)

func TestRenderIssuesTable(t *testing.T) {
	issues := []pipeline.State{
		{
			IssueNumber:    41,
			Repo:           "fyrsmithlabs/widgets",
			Stage:          pipeline.StageInProgress,
			Agent:          "forge-1",
			EnteredStageAt: time.Now().Add(-22 * time.Minute),
		},
		{
			IssueNumber: 44,
			Repo:        "fyrsmithlabs/widgets",
			Stage:       pipeline.StageStalled,
			LastError:   "invoke webhook: connection refused",
		},
	}

	out := renderIssuesTable(issues)

	assert.Contains(t, out, "NUMBER")
	assert.Contains(t, out, "STAGE")
	assert.Contains(t, out, "#41")
	assert.Contains(t, out, "in_progress")
	assert.Contains(t, out, "forge-1")
	assert.Contains(t, out, "22m 0s")
	assert.Contains(t, out, "#44")
	assert.Contains(t, out, "stalled")
	assert.Contains(t, out, "invoke webhook: connection refused")
}

func TestRenderIssuesTable_Empty(t *testing.T) {
	out := renderIssuesTable(nil)
	assert.Equal(t, "No tracked issues\n", out)
}

func TestRenderIssuesTable_TruncatesLongErrors(t *testing.T) {
	longError := "gateway: list timeline for issue 44: request failed after 3 retries with status 502"
	issues := []pipeline.State{
		{IssueNumber: 44, Stage: pipeline.StageStalled, LastError: longError},
	}

	out := renderIssuesTable(issues)

	assert.NotContains(t, out, longError)
	assert.Contains(t, out, "...")
}

func TestRenderIssueDetail(t *testing.T) {
	detail := droverhttp.IssueDetail{
		State: pipeline.State{
			IssueNumber:    44,
			Repo:           "fyrsmithlabs/widgets",
			Stage:          pipeline.StageStalled,
			StalledFrom:    pipeline.StageInProgress,
			StallCount:     2,
			Agent:          "forge-1",
			AssignedAt:     time.Now().Add(-2 * time.Hour),
			LastAdvancedAt: time.Now().Add(-3 * time.Hour),
			LastSeenAt:     time.Now().Add(-time.Minute),
			LastError:      "invoke webhook: connection refused",
		},
		SubIssues: []pipeline.SubIssue{
			{
				Parent:    44,
				Number:    45,
				Agent:     "forge-1",
				PR:        &pipeline.PullRequestRef{Number: 102, State: pipeline.PROpen},
				Completed: true,
			},
			{Parent: 44, Number: 46, Open: true},
		},
	}

	out := renderIssueDetail(detail)

	assert.Contains(t, out, "Issue:      #44 (fyrsmithlabs/widgets)")
	assert.Contains(t, out, "Stage:      stalled (from in_progress, stall count 2)")
	assert.Contains(t, out, "Agent:      forge-1")
	assert.Contains(t, out, "Last error: invoke webhook: connection refused")
	assert.Contains(t, out, "Sub-issues:")
	assert.Contains(t, out, "#45")
	assert.Contains(t, out, "#102 (open)")
	assert.Contains(t, out, "yes")
	assert.Contains(t, out, "#46")
}

func TestRenderIssueDetail_NoSubIssues(t *testing.T) {
	detail := droverhttp.IssueDetail{
		State: pipeline.State{IssueNumber: 41, Repo: "fyrsmithlabs/widgets", Stage: pipeline.StageReady},
	}

	out := renderIssueDetail(detail)

	assert.Contains(t, out, "Stage:      ready")
	assert.NotContains(t, out, "Sub-issues:")
}

func TestRunIssues_List(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/issues", r.URL.Path)
		json.NewEncoder(w).Encode(droverhttp.IssuesResponse{
			Issues: []pipeline.State{{IssueNumber: 41, Stage: pipeline.StageReady}},
			Count:  1,
		})
	})

	err := runIssues(issuesCmd, nil)
	require.NoError(t, err)
}

func TestRunIssues_Detail(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/issues/41", r.URL.Path)
		json.NewEncoder(w).Encode(droverhttp.IssueDetail{
			State: pipeline.State{IssueNumber: 41, Stage: pipeline.StageReady},
		})
	})

	err := runIssues(issuesCmd, []string{"41"})
	require.NoError(t, err)
}

func TestRunIssues_InvalidNumber(t *testing.T) {
	err := runIssues(issuesCmd, []string{"forty-one"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issue number")
}

func TestRunIssues_InvalidStage(t *testing.T) {
	issuesStage = "limbo"
	t.Cleanup(func() { issuesStage = "" })

	err := runIssues(issuesCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown pipeline stage")
}
