package http

import (
	"github.com/fyrsmithlabs/drover/internal/pipeline"
	"github.com/fyrsmithlabs/drover/internal/poller"
	"github.com/fyrsmithlabs/drover/internal/recovery"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status   string         `json:"status"`
	Version  string         `json:"version,omitempty"`
	Repo     string         `json:"repo"`
	Poller   poller.Status  `json:"poller"`
	Recovery RecoveryStatus `json:"recovery"`
	Issues   IssueCounts    `json:"issues"`
}

// RecoveryStatus reports the recovery sweeper's lifecycle state.
type RecoveryStatus struct {
	Running   bool            `json:"running"`
	LastSweep recovery.Report `json:"last_sweep"`
}

// IssueCounts buckets tracked issues by pipeline stage.
type IssueCounts struct {
	Total   int            `json:"total"`
	ByStage map[string]int `json:"by_stage"`
}

// IssuesResponse is the response body for GET /api/v1/issues.
type IssuesResponse struct {
	Issues []pipeline.State `json:"issues"`
	Count  int              `json:"count"`
}

// IssueDetail is the response body for GET /api/v1/issues/:number.
type IssueDetail struct {
	State pipeline.State `json:"state"`
	// SubIssues are the persisted child records; completion flags are
	// durable, the rest is refreshed each cycle.
	SubIssues []pipeline.SubIssue `json:"sub_issues,omitempty"`
}

// SubIssueRequest is the request body for
// POST /api/v1/issues/:number/subissues.
type SubIssueRequest struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	// Agent pre-assigns the child to an agent identifier.
	Agent string `json:"agent,omitempty"`
}

// ControlResponse acknowledges a control operation.
type ControlResponse struct {
	Status string `json:"status"`
}
