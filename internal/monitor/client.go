package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	droverhttp "github.com/fyrsmithlabs/drover/internal/http"
	"github.com/fyrsmithlabs/drover/internal/recovery"
)

// Client talks to a running droverd's HTTP API. It is shared by the
// drovctl commands and the watch dashboard.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the given droverd base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			// Backstop only; callers bound each request with a context.
			Timeout: 30 * time.Second,
		},
	}
}

// Health checks the daemon's liveness endpoint.
func (c *Client) Health(ctx context.Context) (droverhttp.HealthResponse, error) {
	var health droverhttp.HealthResponse
	if err := c.getJSON(ctx, "/health", &health); err != nil {
		return droverhttp.HealthResponse{}, err
	}
	return health, nil
}

// Status fetches the daemon's status document: poller state, recovery
// state, and per-stage issue counts.
func (c *Client) Status(ctx context.Context) (droverhttp.StatusResponse, error) {
	var status droverhttp.StatusResponse
	if err := c.getJSON(ctx, "/api/v1/status", &status); err != nil {
		return droverhttp.StatusResponse{}, err
	}
	return status, nil
}

// Issues lists tracked issues, optionally filtered to one stage.
func (c *Client) Issues(ctx context.Context, stage string) (droverhttp.IssuesResponse, error) {
	path := "/api/v1/issues"
	if stage != "" {
		path += "?stage=" + url.QueryEscape(stage)
	}

	var issues droverhttp.IssuesResponse
	if err := c.getJSON(ctx, path, &issues); err != nil {
		return droverhttp.IssuesResponse{}, err
	}
	return issues, nil
}

// Issue fetches one tracked issue with its sub-issues.
func (c *Client) Issue(ctx context.Context, number int) (droverhttp.IssueDetail, error) {
	var detail droverhttp.IssueDetail
	if err := c.getJSON(ctx, fmt.Sprintf("/api/v1/issues/%d", number), &detail); err != nil {
		return droverhttp.IssueDetail{}, err
	}
	return detail, nil
}

// StartPolling starts the daemon's polling loop.
func (c *Client) StartPolling(ctx context.Context) (droverhttp.ControlResponse, error) {
	var resp droverhttp.ControlResponse
	if err := c.postJSON(ctx, "/api/v1/control/start", &resp); err != nil {
		return droverhttp.ControlResponse{}, err
	}
	return resp, nil
}

// StopPolling stops the daemon's polling loop.
func (c *Client) StopPolling(ctx context.Context) (droverhttp.ControlResponse, error) {
	var resp droverhttp.ControlResponse
	if err := c.postJSON(ctx, "/api/v1/control/stop", &resp); err != nil {
		return droverhttp.ControlResponse{}, err
	}
	return resp, nil
}

// Sweep forces an immediate recovery sweep and returns its report.
func (c *Client) Sweep(ctx context.Context) (recovery.Report, error) {
	var report recovery.Report
	if err := c.postJSON(ctx, "/api/v1/control/sweep", &report); err != nil {
		return recovery.Report{}, err
	}
	return report, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, out)
}

func (c *Client) postJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
