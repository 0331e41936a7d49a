package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/drover/internal/config"
	"github.com/fyrsmithlabs/drover/internal/pipeline"
)

const instrumentationName = "github.com/fyrsmithlabs/drover/internal/gateway"

// Label namespaces owned by the orchestrator. The status namespace comes
// from config; agent and parent are fixed.
const (
	agentLabelPrefix  = "agent"
	parentLabelPrefix = "parent"
)

// Review states as GitHub reports them.
const (
	reviewStateApproved         = "APPROVED"
	reviewStateChangesRequested = "CHANGES_REQUESTED"
)

// Config configures the GitHub-backed gateway.
type Config struct {
	// Token authenticates all API calls.
	Token config.Secret

	// Owner and Repo identify the tracked repository.
	Owner string
	Repo  string

	// RequestTimeout bounds each individual attempt.
	RequestTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt for
	// idempotent operations.
	MaxRetries int

	// InitialBackoff is the first retry delay; subsequent delays grow
	// exponentially up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RequestsPerSecond paces outbound calls. Zero disables pacing.
	RequestsPerSecond float64

	// LabelPrefix namespaces the status label, e.g. "pipeline" yields
	// "pipeline:ready".
	LabelPrefix string

	// MergeMethod is the pull request merge strategy.
	MergeMethod string

	// BaseURL overrides the API endpoint for GitHub Enterprise installs;
	// tests point it at local stubs. Empty means api.github.com.
	BaseURL string
}

// DefaultConfig returns sensible defaults. Token, Owner, and Repo must
// still be provided.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout:    30 * time.Second,
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		RequestsPerSecond: 2,
		LabelPrefix:       "pipeline",
		MergeMethod:       "squash",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = d.RequestsPerSecond
	}
	if c.LabelPrefix == "" {
		c.LabelPrefix = d.LabelPrefix
	}
	if c.MergeMethod == "" {
		c.MergeMethod = d.MergeMethod
	}
}

// gitHubGateway implements Gateway against the GitHub REST API.
type gitHubGateway struct {
	config  *Config
	client  *github.Client
	logger  *zap.Logger
	limiter *rate.Limiter

	// Telemetry
	tracer           trace.Tracer
	meter            metric.Meter
	callCounter      metric.Int64Counter
	callDuration     metric.Float64Histogram
	retryCounter     metric.Int64Counter
	rateLimitCounter metric.Int64Counter

	mu           sync.Mutex
	blockedUntil time.Time
}

// NewGitHub creates a GitHub-backed gateway.
func NewGitHub(cfg *Config, logger *zap.Logger) (Gateway, error) {
	if cfg == nil {
		return nil, errors.New("gateway config is required")
	}
	cfg.applyDefaults()
	if !cfg.Token.IsSet() {
		return nil, errors.New("gateway token is required")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("gateway owner and repo are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(context.Background(), ts)
	client := github.NewClient(tc)

	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		client.BaseURL = base
	}

	g := &gitHubGateway{
		config:  cfg,
		client:  client,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}

	g.initMetrics()

	return g, nil
}

// ParentLabel returns the label linking a sub-issue to its parent.
func ParentLabel(parent int) string {
	return parentLabelPrefix + ":" + strconv.Itoa(parent)
}

// ParseParent extracts the parent issue number from a sub-issue's labels.
func ParseParent(labels []string) (int, bool) {
	for _, l := range labels {
		v, ok := strings.CutPrefix(l, parentLabelPrefix+":")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			continue
		}
		return n, true
	}
	return 0, false
}

// statusLabel returns the namespaced label for a status value.
func (g *gitHubGateway) statusLabel(value string) string {
	return g.config.LabelPrefix + ":" + value
}

// parseLabels extracts the status and agent field values from a label
// set. The last label in each namespace wins.
func (g *gitHubGateway) parseLabels(labels []string) (status, agent string) {
	for _, l := range labels {
		if v, ok := strings.CutPrefix(l, g.config.LabelPrefix+":"); ok {
			status = v
		} else if v, ok := strings.CutPrefix(l, agentLabelPrefix+":"); ok {
			agent = v
		}
	}
	return status, agent
}

// ListIssues returns the issues carrying the given status label value,
// or every issue when status is empty. Pull requests are filtered out;
// GitHub reports them through the same listing.
func (g *gitHubGateway) ListIssues(ctx context.Context, status string) ([]Issue, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	if status != "" {
		opts.Labels = []string{g.statusLabel(status)}
	}

	var out []Issue
	for {
		var (
			issues []*github.Issue
			resp   *github.Response
		)
		err := g.do(ctx, "list_issues", true, func(ctx context.Context) (*github.Response, error) {
			var err error
			issues, resp, err = g.client.Issues.ListByRepo(ctx, g.config.Owner, g.config.Repo, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, is := range issues {
			if is.IsPullRequest() {
				continue
			}
			out = append(out, g.toIssue(is))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// GetIssue loads one issue by number.
func (g *gitHubGateway) GetIssue(ctx context.Context, issueNumber int) (Issue, error) {
	is, err := g.getIssue(ctx, "get_issue", issueNumber)
	if err != nil {
		return Issue{}, err
	}
	return g.toIssue(is), nil
}

// GetFields reads the orchestrator-owned fields of one issue.
func (g *gitHubGateway) GetFields(ctx context.Context, issueNumber int) (map[string]string, error) {
	is, err := g.getIssue(ctx, "get_fields", issueNumber)
	if err != nil {
		return nil, err
	}
	status, agent := g.parseLabels(labelNames(is.Labels))
	return map[string]string{
		FieldStatus: status,
		FieldAgent:  agent,
	}, nil
}

// SetField writes one orchestrator-owned field by swapping the
// namespaced label. An empty value clears the field. The write is a
// read-modify-write on the full label set; setting the same value twice
// is harmless, so the calls retry as idempotent.
func (g *gitHubGateway) SetField(ctx context.Context, issueNumber int, field, value string) error {
	var prefix string
	switch field {
	case FieldStatus:
		prefix = g.config.LabelPrefix
	case FieldAgent:
		prefix = agentLabelPrefix
	default:
		return permanentf("set_field", "unknown field %q", field)
	}

	is, err := g.getIssue(ctx, "set_field", issueNumber)
	if err != nil {
		return err
	}

	labels := replaceLabel(labelNames(is.Labels), prefix, value)
	return g.do(ctx, "set_field", true, func(ctx context.Context) (*github.Response, error) {
		_, resp, err := g.client.Issues.Edit(ctx, g.config.Owner, g.config.Repo, issueNumber, &github.IssueRequest{
			Labels: &labels,
		})
		return resp, err
	})
}

// CreateSubIssue creates a child issue labeled back to its parent.
// Attempted exactly once.
func (g *gitHubGateway) CreateSubIssue(ctx context.Context, parent int, spec SubIssueSpec) (pipeline.SubIssue, error) {
	labels := []string{ParentLabel(parent)}
	if spec.Agent != "" {
		labels = append(labels, agentLabelPrefix+":"+spec.Agent)
	}
	req := &github.IssueRequest{
		Title:  github.String(spec.Title),
		Body:   github.String(spec.Body),
		Labels: &labels,
	}

	var created *github.Issue
	err := g.do(ctx, "create_sub_issue", false, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		created, resp, err = g.client.Issues.Create(ctx, g.config.Owner, g.config.Repo, req)
		return resp, err
	})
	if err != nil {
		return pipeline.SubIssue{}, err
	}

	return pipeline.SubIssue{
		Parent: parent,
		Number: created.GetNumber(),
		Title:  created.GetTitle(),
		Agent:  spec.Agent,
		Open:   true,
	}, nil
}

// Comment adds a comment to an issue. Attempted exactly once.
func (g *gitHubGateway) Comment(ctx context.Context, issueNumber int, text string) error {
	return g.do(ctx, "comment", false, func(ctx context.Context) (*github.Response, error) {
		_, resp, err := g.client.Issues.CreateComment(ctx, g.config.Owner, g.config.Repo, issueNumber, &github.IssueComment{
			Body: github.String(text),
		})
		return resp, err
	})
}

// ListComments returns an issue's comments in creation order.
func (g *gitHubGateway) ListComments(ctx context.Context, issueNumber int) ([]Comment, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var out []Comment
	for {
		var (
			comments []*github.IssueComment
			resp     *github.Response
		)
		err := g.do(ctx, "list_comments", true, func(ctx context.Context) (*github.Response, error) {
			var err error
			comments, resp, err = g.client.Issues.ListComments(ctx, g.config.Owner, g.config.Repo, issueNumber, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, c := range comments {
			out = append(out, Comment{
				ID:        c.GetID(),
				Author:    c.GetUser().GetLogin(),
				Body:      c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// FindLinkedPRs resolves the pull requests linked to an issue via
// timeline cross-references and attaches their review state.
func (g *gitHubGateway) FindLinkedPRs(ctx context.Context, issueNumber int) ([]pipeline.PullRequestRef, error) {
	events, err := g.GetTimeline(ctx, issueNumber)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	var numbers []int
	for _, ev := range events {
		if ev.Type != pipeline.EventCrossReferenced || ev.PRNumber == 0 {
			continue
		}
		if !seen[ev.PRNumber] {
			seen[ev.PRNumber] = true
			numbers = append(numbers, ev.PRNumber)
		}
	}

	refs := make([]pipeline.PullRequestRef, 0, len(numbers))
	for _, n := range numbers {
		ref, err := g.pullRequest(ctx, n)
		if err != nil {
			// A cross-reference can outlive its source; a 404 here
			// means the PR is gone, not that the issue is broken.
			if IsPermanent(err) && !IsAuthExpired(err) {
				g.logger.Debug("skipping unresolvable linked PR",
					zap.Int("issue", issueNumber),
					zap.Int("pr", n),
					zap.Error(err))
				continue
			}
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// MergePR merges one pull request and confirms the merged state in the
// response. Attempted exactly once.
func (g *gitHubGateway) MergePR(ctx context.Context, prNumber int) error {
	var result *github.PullRequestMergeResult
	err := g.do(ctx, "merge_pr", false, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		result, resp, err = g.client.PullRequests.Merge(ctx, g.config.Owner, g.config.Repo, prNumber, "", &github.PullRequestOptions{
			MergeMethod: g.config.MergeMethod,
		})
		return resp, err
	})
	if err != nil {
		return err
	}
	if !result.GetMerged() {
		return permanentf("merge_pr", "merge of #%d not confirmed: %s", prNumber, result.GetMessage())
	}
	return nil
}

// GetTimeline returns an issue's ordered timeline events.
func (g *gitHubGateway) GetTimeline(ctx context.Context, issueNumber int) ([]pipeline.TimelineEvent, error) {
	opts := &github.ListOptions{PerPage: 100}
	var out []pipeline.TimelineEvent
	for {
		var (
			events []*github.Timeline
			resp   *github.Response
		)
		err := g.do(ctx, "get_timeline", true, func(ctx context.Context) (*github.Response, error) {
			var err error
			events, resp, err = g.client.Issues.ListIssueTimeline(ctx, g.config.Owner, g.config.Repo, issueNumber, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			out = append(out, g.toTimelineEvent(ev))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (g *gitHubGateway) getIssue(ctx context.Context, op string, issueNumber int) (*github.Issue, error) {
	var is *github.Issue
	err := g.do(ctx, op, true, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		is, resp, err = g.client.Issues.Get(ctx, g.config.Owner, g.config.Repo, issueNumber)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return is, nil
}

// pullRequest loads one PR and, when it is still open, its folded review
// status. Mergeable can be nil while GitHub computes it; the ref then
// reports not-ready and the next cycle picks it up.
func (g *gitHubGateway) pullRequest(ctx context.Context, number int) (pipeline.PullRequestRef, error) {
	var pr *github.PullRequest
	err := g.do(ctx, "get_pull_request", true, func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = g.client.PullRequests.Get(ctx, g.config.Owner, g.config.Repo, number)
		return resp, err
	})
	if err != nil {
		return pipeline.PullRequestRef{}, err
	}

	ref := pipeline.PullRequestRef{
		Number: number,
		Title:  pr.GetTitle(),
		State:  prState(pr),
		Review: pipeline.ReviewNone,
		Draft:  pr.GetDraft(),
	}

	if ref.State == pipeline.PROpen {
		review, err := g.reviewStatus(ctx, number)
		if err != nil {
			return pipeline.PullRequestRef{}, err
		}
		ref.Review = review
		ref.ReadyToMerge = !pr.GetDraft() && pr.GetMergeable()
	}
	return ref, nil
}

// reviewStatus folds a PR's reviews into a single position. Only each
// reviewer's latest APPROVED or CHANGES_REQUESTED stands; comment-only
// reviews leave the PR pending.
func (g *gitHubGateway) reviewStatus(ctx context.Context, number int) (pipeline.ReviewStatus, error) {
	opts := &github.ListOptions{PerPage: 100}
	var all []*github.PullRequestReview
	for {
		var (
			reviews []*github.PullRequestReview
			resp    *github.Response
		)
		err := g.do(ctx, "list_reviews", true, func(ctx context.Context) (*github.Response, error) {
			var err error
			reviews, resp, err = g.client.PullRequests.ListReviews(ctx, g.config.Owner, g.config.Repo, number, opts)
			return resp, err
		})
		if err != nil {
			return pipeline.ReviewNone, err
		}
		all = append(all, reviews...)
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if len(all) == 0 {
		return pipeline.ReviewNone, nil
	}

	latest := make(map[string]string)
	for _, r := range all {
		state := r.GetState()
		if state != reviewStateApproved && state != reviewStateChangesRequested {
			continue
		}
		latest[r.GetUser().GetLogin()] = state
	}
	if len(latest) == 0 {
		return pipeline.ReviewPending, nil
	}
	for _, state := range latest {
		if state == reviewStateChangesRequested {
			return pipeline.ReviewChangesRequested, nil
		}
	}
	return pipeline.ReviewApproved, nil
}

func (g *gitHubGateway) toIssue(is *github.Issue) Issue {
	labels := labelNames(is.Labels)
	status, agent := g.parseLabels(labels)
	return Issue{
		Number: is.GetNumber(),
		Title:  is.GetTitle(),
		Body:   is.GetBody(),
		Open:   is.GetState() == "open",
		Labels: labels,
		Status: status,
		Agent:  agent,
	}
}

func (g *gitHubGateway) toTimelineEvent(ev *github.Timeline) pipeline.TimelineEvent {
	out := pipeline.TimelineEvent{
		Type:      ev.GetEvent(),
		Actor:     ev.GetActor().GetLogin(),
		CreatedAt: ev.GetCreatedAt().Time,
		Body:      ev.GetBody(),
	}
	if out.Actor == "" {
		out.Actor = ev.GetUser().GetLogin()
	}
	// Reviewed events carry submitted_at instead of created_at.
	if out.CreatedAt.IsZero() {
		out.CreatedAt = ev.GetSubmittedAt().Time
	}

	switch out.Type {
	case pipeline.EventCrossReferenced:
		src := ev.GetSource()
		if src == nil || src.Issue == nil || !src.Issue.IsPullRequest() {
			break
		}
		// Cross-references can come from other repositories; only
		// same-repo PRs count. An absent repository field is treated
		// as same-repo.
		if full := src.Issue.GetRepository().GetFullName(); full != "" && full != g.config.Owner+"/"+g.config.Repo {
			break
		}
		out.PRNumber = src.Issue.GetNumber()
	case pipeline.EventReviewed:
		out.ReviewState = strings.ToLower(ev.GetState())
	}
	return out
}

func prState(pr *github.PullRequest) pipeline.PRState {
	switch {
	case pr.GetMerged():
		return pipeline.PRMerged
	case pr.GetState() == "closed":
		return pipeline.PRClosed
	default:
		return pipeline.PROpen
	}
}

func labelNames(labels []*github.Label) []string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.GetName())
	}
	return names
}

// replaceLabel swaps any "<prefix>:*" label for "<prefix>:<value>",
// removing the namespace entirely when value is empty. Other labels pass
// through untouched.
func replaceLabel(labels []string, prefix, value string) []string {
	out := make([]string, 0, len(labels)+1)
	for _, l := range labels {
		if strings.HasPrefix(l, prefix+":") {
			continue
		}
		out = append(out, l)
	}
	if value != "" {
		out = append(out, prefix+":"+value)
	}
	return out
}
