package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	droverhttp "github.com/fyrsmithlabs/drover/internal/http"
	"github.com/fyrsmithlabs/drover/internal/pipeline"
	"github.com/fyrsmithlabs/drover/internal/poller"
	"github.com/fyrsmithlabs/drover/internal/recovery"
)

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:9820")
	assert.NotNil(t, client)
	assert.Equal(t, "http://localhost:9820", client.baseURL)
	assert.NotNil(t, client.client)
}

func TestClient_Status(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/status", r.URL.Path)

		response := droverhttp.StatusResponse{
			Status: "ok",
			Repo:   "fyrsmithlabs/widgets",
			Poller: poller.Status{
				Running: true,
				LastCycle: poller.CycleStats{
					CycleID:    "cycle-7",
					Elapsed:    1500 * time.Millisecond,
					Discovered: 6,
					Processed:  6,
					Actions:    2,
				},
			},
			Recovery: droverhttp.RecoveryStatus{
				Running:   true,
				LastSweep: recovery.Report{Swept: 5, Stalled: 1},
			},
			Issues: droverhttp.IssueCounts{
				Total:   6,
				ByStage: map[string]int{"in_progress": 4, "stalled": 2},
			},
		}
		json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	ctx := context.Background()

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fyrsmithlabs/widgets", status.Repo)
	assert.True(t, status.Poller.Running)
	assert.Equal(t, "cycle-7", status.Poller.LastCycle.CycleID)
	assert.Equal(t, 1500*time.Millisecond, status.Poller.LastCycle.Elapsed)
	assert.Equal(t, 6, status.Poller.LastCycle.Processed)
	assert.Equal(t, 5, status.Recovery.LastSweep.Swept)
	assert.Equal(t, 6, status.Issues.Total)
	assert.Equal(t, 2, status.Issues.ByStage["stalled"])
}

func TestClient_Status_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
	}))
	defer server.Close()

	client := NewClient(server.URL)

	_, err := client.Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status code 500")
}

func TestClient_Status_MalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{invalid json"))
	}))
	defer server.Close()

	client := NewClient(server.URL)

	_, err := client.Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode response")
}

func TestClient_Status_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Status(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context deadline exceeded")
}

func TestClient_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(droverhttp.HealthResponse{Status: "ok"})
	}))
	defer server.Close()

	client := NewClient(server.URL)

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
}

func TestClient_Issues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/issues", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("stage"))

		response := droverhttp.IssuesResponse{
			Issues: []pipeline.State{
				{IssueNumber: 41, Repo: "fyrsmithlabs/widgets", Stage: pipeline.StageInProgress, Agent: "forge-1"},
				{IssueNumber: 44, Repo: "fyrsmithlabs/widgets", Stage: pipeline.StageStalled},
			},
			Count: 2,
		}
		json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	client := NewClient(server.URL)

	issues, err := client.Issues(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, issues.Count)
	require.Len(t, issues.Issues, 2)
	assert.Equal(t, 41, issues.Issues[0].IssueNumber)
	assert.Equal(t, pipeline.StageInProgress, issues.Issues[0].Stage)
	assert.Equal(t, "forge-1", issues.Issues[0].Agent)
}

func TestClient_Issues_StageFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "stalled", r.URL.Query().Get("stage"))

		response := droverhttp.IssuesResponse{
			Issues: []pipeline.State{
				{IssueNumber: 44, Stage: pipeline.StageStalled},
			},
			Count: 1,
		}
		json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	client := NewClient(server.URL)

	issues, err := client.Issues(context.Background(), "stalled")
	require.NoError(t, err)
	assert.Equal(t, 1, issues.Count)
}

func TestClient_Issue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/issues/41", r.URL.Path)

		response := droverhttp.IssueDetail{
			State: pipeline.State{IssueNumber: 41, Stage: pipeline.StageInProgress},
			SubIssues: []pipeline.SubIssue{
				{Parent: 41, Number: 42, Completed: true},
				{Parent: 41, Number: 43, Open: true},
			},
		}
		json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	client := NewClient(server.URL)

	detail, err := client.Issue(context.Background(), 41)
	require.NoError(t, err)
	assert.Equal(t, 41, detail.State.IssueNumber)
	require.Len(t, detail.SubIssues, 2)
	assert.True(t, detail.SubIssues[0].Completed)
}

func TestClient_StartPolling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/control/start", r.URL.Path)
		json.NewEncoder(w).Encode(droverhttp.ControlResponse{Status: "started"})
	}))
	defer server.Close()

	client := NewClient(server.URL)

	resp, err := client.StartPolling(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "started", resp.Status)
}

func TestClient_StopPolling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/control/stop", r.URL.Path)
		json.NewEncoder(w).Encode(droverhttp.ControlResponse{Status: "stopped"})
	}))
	defer server.Close()

	client := NewClient(server.URL)

	resp, err := client.StopPolling(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stopped", resp.Status)
}

func TestClient_Sweep(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/control/sweep", r.URL.Path)

		report := recovery.Report{
			Swept:     5,
			Stalled:   1,
			Advanced:  2,
			Reinvoked: 1,
			Remained:  1,
			At:        time.Now().UTC(),
			Elapsed:   300 * time.Millisecond,
		}
		json.NewEncoder(w).Encode(report)
	}))
	defer server.Close()

	client := NewClient(server.URL)

	report, err := client.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Swept)
	assert.Equal(t, 2, report.Advanced)
	assert.Equal(t, 1, report.Reinvoked)
	assert.Equal(t, 300*time.Millisecond, report.Elapsed)
}
