package recovery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/drover/internal/agent"
	"github.com/fyrsmithlabs/drover/internal/engine"
	"github.com/fyrsmithlabs/drover/internal/events"
	"github.com/fyrsmithlabs/drover/internal/gateway"
	"github.com/fyrsmithlabs/drover/internal/pipeline"
	"github.com/fyrsmithlabs/drover/internal/store"
	"github.com/fyrsmithlabs/drover/internal/tracking"
)

const testRepo = "fyrsmithlabs/widgets"

// fakeGateway records field writes, comments, and merges. Unimplemented
// Gateway methods panic via the embedded nil interface.
type fakeGateway struct {
	gateway.Gateway
	mu       sync.Mutex
	fields   map[int]map[string]string
	comments map[int][]string
	merged   []int

	commentErr error
}

func (f *fakeGateway) SetField(_ context.Context, issue int, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fields == nil {
		f.fields = make(map[int]map[string]string)
	}
	if f.fields[issue] == nil {
		f.fields[issue] = make(map[string]string)
	}
	f.fields[issue][field] = value
	return nil
}

func (f *fakeGateway) Comment(_ context.Context, issue int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commentErr != nil {
		return f.commentErr
	}
	if f.comments == nil {
		f.comments = make(map[int][]string)
	}
	f.comments[issue] = append(f.comments[issue], text)
	return nil
}

func (f *fakeGateway) MergePR(_ context.Context, pr int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, pr)
	return nil
}

func (f *fakeGateway) field(issue int, field string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields[issue][field]
}

// fakeInvoker records successful deliveries.
type fakeInvoker struct {
	mu    sync.Mutex
	calls []agent.Invocation
	err   error
}

func (f *fakeInvoker) Invoke(_ context.Context, inv agent.Invocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, inv)
	return nil
}

// fakePublisher captures transition events.
type fakePublisher struct {
	mu     sync.Mutex
	events []events.TransitionEvent
}

func (f *fakePublisher) PublishTransition(_ context.Context, ev events.TransitionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) Close() {}

// fakeSnapshotter serves canned snapshots per issue.
type fakeSnapshotter struct {
	mu    sync.Mutex
	snaps map[int]*pipeline.Snapshot
	errs  map[int]error
}

func (f *fakeSnapshotter) Snapshot(_ context.Context, state pipeline.State) (*pipeline.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[state.IssueNumber]; err != nil {
		return nil, err
	}
	snap, ok := f.snaps[state.IssueNumber]
	if !ok {
		return nil, fmt.Errorf("no snapshot for issue %d", state.IssueNumber)
	}
	return snap, nil
}

func (f *fakeSnapshotter) set(issue int, snap *pipeline.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snaps == nil {
		f.snaps = make(map[int]*pipeline.Snapshot)
	}
	f.snaps[issue] = snap
}

func (f *fakeSnapshotter) setErr(issue int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[int]error)
	}
	f.errs[issue] = err
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.New(&store.Config{Path: filepath.Join(t.TempDir(), "drover.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testConfig() *Config {
	return &Config{
		SweepInterval:         time.Hour,
		CooldownReady:         10 * time.Minute,
		CooldownAgentAssigned: 10 * time.Minute,
		CooldownInProgress:    10 * time.Minute,
		CooldownInReview:      10 * time.Minute,
		CooldownMerging:       10 * time.Minute,
	}
}

func newTestRecovery(t *testing.T) (Recovery, store.Store, *fakeGateway, *fakeInvoker, *fakePublisher, *fakeSnapshotter) {
	t.Helper()
	st := newTestStore(t)
	gw := &fakeGateway{}
	inv := &fakeInvoker{}
	pub := &fakePublisher{}
	eng, err := engine.New(st, gw, inv, pub, zap.NewNop())
	require.NoError(t, err)
	snaps := &fakeSnapshotter{}
	rec, err := New(testConfig(), st, eng, snaps, inv, gw, pub, zap.NewNop())
	require.NoError(t, err)
	return rec, st, gw, inv, pub, snaps
}

// seedAged walks a fresh issue forward to stage, backdating its entry
// into that stage.
func seedAged(t *testing.T, st store.Store, issue int, stage pipeline.Stage, age time.Duration) pipeline.State {
	t.Helper()
	ctx := context.Background()
	state, err := st.Ensure(ctx, issue, testRepo, pipeline.StageBacklog)
	require.NoError(t, err)
	for state.Stage != stage {
		next, ok := state.Stage.Next()
		require.True(t, ok, "no forward path to %s", stage)
		meta := store.TransitionMeta{}
		if next == stage {
			meta.At = time.Now().Add(-age)
		}
		state, err = st.Transition(ctx, issue, state.Stage, next, meta)
		require.NoError(t, err)
	}
	return state
}

// seedStalled walks an issue to the given stage and then stalls it. When
// assign is true the issue carries an assignment with a known
// invocation ID and one prior recorded stall.
func seedStalled(t *testing.T, st store.Store, issue int, from pipeline.Stage, assign bool) pipeline.State {
	t.Helper()
	ctx := context.Background()
	seedAged(t, st, issue, from, 0)
	if assign {
		require.NoError(t, st.Assign(ctx, issue, "forge-1", "inv-123"))
	}
	require.NoError(t, st.RecordStall(ctx, issue))
	state, err := st.Transition(ctx, issue, from, pipeline.StageStalled, store.TransitionMeta{StalledFrom: from})
	require.NoError(t, err)
	return state
}

func snapshotAt(issue int, stage pipeline.Stage) *pipeline.Snapshot {
	return &pipeline.Snapshot{
		Issue: pipeline.TrackedIssue{
			Number: issue,
			Repo:   testRepo,
			Title:  "Add widget cache",
			Stage:  stage,
		},
		ExternalStatus: stage.String(),
		Open:           true,
	}
}

func TestNew_Validation(t *testing.T) {
	st := newTestStore(t)
	gw := &fakeGateway{}
	inv := &fakeInvoker{}
	pub := &fakePublisher{}
	snaps := &fakeSnapshotter{}
	eng, err := engine.New(st, gw, inv, pub, zap.NewNop())
	require.NoError(t, err)

	_, err = New(nil, st, eng, snaps, inv, gw, pub, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")

	_, err = New(testConfig(), nil, eng, snaps, inv, gw, pub, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store is required")

	_, err = New(testConfig(), st, nil, snaps, inv, gw, pub, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine is required")

	_, err = New(testConfig(), st, eng, nil, inv, gw, pub, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshotter is required")

	_, err = New(testConfig(), st, eng, snaps, nil, gw, pub, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invoker is required")

	_, err = New(testConfig(), st, eng, snaps, inv, nil, pub, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway is required")

	_, err = New(testConfig(), st, eng, snaps, inv, gw, nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publisher is required")

	_, err = New(testConfig(), st, eng, snaps, inv, gw, pub, nil)
	require.NoError(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 2*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 10*time.Minute, cfg.cooldown(pipeline.StageAgentAssigned))
	assert.Equal(t, 4*time.Hour, cfg.cooldown(pipeline.StageInReview))
	assert.Equal(t, time.Duration(0), cfg.cooldown(pipeline.StageDone))
}

func TestSweep_StallsOverdueIssue(t *testing.T) {
	rec, st, gw, _, pub, snaps := newTestRecovery(t)
	ctx := context.Background()

	seedAged(t, st, 7, pipeline.StageAgentAssigned, 2*time.Hour)
	require.NoError(t, st.Assign(ctx, 7, "forge-1", "inv-123"))

	snap := snapshotAt(7, pipeline.StageAgentAssigned)
	snap.AssignmentCommentPresent = true
	snaps.set(7, snap)

	report, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Swept)
	assert.Equal(t, 1, report.Stalled)
	assert.Equal(t, 1, report.Remained)

	state, err := st.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageStalled, state.Stage)
	assert.Equal(t, pipeline.StageAgentAssigned, state.StalledFrom)
	assert.Equal(t, 1, state.StallCount)
	assert.Equal(t, "stalled", gw.field(7, gateway.FieldStatus))

	require.Len(t, pub.events, 1)
	assert.Equal(t, pipeline.StageAgentAssigned, pub.events[0].From)
	assert.Equal(t, pipeline.StageStalled, pub.events[0].To)
}

func TestSweep_RespectsCooldown(t *testing.T) {
	rec, st, _, _, pub, _ := newTestRecovery(t)
	ctx := context.Background()

	seedAged(t, st, 7, pipeline.StageAgentAssigned, time.Minute)

	report, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Swept)
	assert.Zero(t, report.Stalled)

	state, err := st.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageAgentAssigned, state.Stage)
	assert.Empty(t, pub.events)
}

func TestSweep_RecoversStalledAssignmentWithActivity(t *testing.T) {
	rec, st, gw, inv, pub, snaps := newTestRecovery(t)
	ctx := context.Background()

	seedStalled(t, st, 7, pipeline.StageAgentAssigned, true)

	// The agent has since pushed a branch: a linked PR now exists.
	snap := snapshotAt(7, pipeline.StageAgentAssigned)
	snap.AssignmentCommentPresent = true
	snap.PRs = []pipeline.PullRequestRef{
		{Number: 12, State: pipeline.PROpen, Review: pipeline.ReviewPending},
	}
	snaps.set(7, snap)

	report, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Advanced)
	assert.Zero(t, report.Stalled)

	state, err := st.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageInProgress, state.Stage)
	assert.Equal(t, "forge-1", state.Agent)
	assert.Zero(t, state.StallCount, "forward progress resets the streak")

	// Straight out of Stalled without a second invocation.
	assert.Empty(t, inv.calls)
	assert.Equal(t, "in_progress", gw.field(7, gateway.FieldStatus))

	require.Len(t, pub.events, 1)
	assert.Equal(t, pipeline.StageStalled, pub.events[0].From)
	assert.Equal(t, pipeline.StageInProgress, pub.events[0].To)
}

func TestSweep_ReinvokesWhenAgentNeverTriggered(t *testing.T) {
	rec, st, gw, inv, pub, snaps := newTestRecovery(t)
	ctx := context.Background()

	seedStalled(t, st, 7, pipeline.StageAgentAssigned, true)

	// No activity and no assignment comment: the invocation never
	// reached the agent.
	snap := snapshotAt(7, pipeline.StageAgentAssigned)
	snaps.set(7, snap)

	report, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reinvoked)

	require.Len(t, inv.calls, 1)
	assert.Equal(t, "inv-123", inv.calls[0].InvocationID, "reuses the stored invocation ID")
	assert.Equal(t, "forge-1", inv.calls[0].Agent)
	assert.Equal(t, testRepo, inv.calls[0].Repo)
	assert.Equal(t, 7, inv.calls[0].Issue)

	require.Len(t, gw.comments[7], 1)
	assert.True(t, tracking.IsAssignmentComment(gw.comments[7][0]))
	assert.Contains(t, gw.comments[7][0], "inv-123")

	state, err := st.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageAgentAssigned, state.Stage)
	assert.Equal(t, 1, state.StallCount, "a reset is not forward progress")
	assert.Equal(t, "agent_assigned", gw.field(7, gateway.FieldStatus))

	require.Len(t, pub.events, 1)
	assert.Equal(t, pipeline.StageStalled, pub.events[0].From)
	assert.Equal(t, pipeline.StageAgentAssigned, pub.events[0].To)
}

func TestSweep_ReinvokeSkippedWhenCommentExists(t *testing.T) {
	rec, st, gw, inv, _, snaps := newTestRecovery(t)
	ctx := context.Background()

	seedStalled(t, st, 7, pipeline.StageAgentAssigned, true)

	// The comment is already on the issue, so the agent was told once;
	// sending again would double-trigger it.
	snap := snapshotAt(7, pipeline.StageAgentAssigned)
	snap.AssignmentCommentPresent = true
	snaps.set(7, snap)

	report, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Remained)

	assert.Empty(t, inv.calls)
	assert.Empty(t, gw.comments[7])

	state, err := st.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageStalled, state.Stage)
}

func TestSweep_StalledMergingResumesAfterMerge(t *testing.T) {
	rec, st, gw, _, pub, snaps := newTestRecovery(t)
	ctx := context.Background()

	seedStalled(t, st, 7, pipeline.StageMerging, false)

	snap := snapshotAt(7, pipeline.StageMerging)
	snap.Completion.MergeQueue = []pipeline.PullRequestRef{
		{Number: 12, State: pipeline.PROpen, ReadyToMerge: true},
	}
	snaps.set(7, snap)

	report, err := rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Advanced)

	assert.Equal(t, []int{12}, gw.merged)

	state, err := st.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageMerging, state.Stage, "resumes normal cycling after the merge")

	require.Len(t, pub.events, 1)
	assert.Equal(t, pipeline.StageStalled, pub.events[0].From)
	assert.Equal(t, pipeline.StageMerging, pub.events[0].To)
}

func TestSweep_SnapshotFailureAnnotatesIssue(t *testing.T) {
	rec, st, _, _, _, snaps := newTestRecovery(t)
	ctx := context.Background()

	seedStalled(t, st, 7, pipeline.StageInProgress, false)
	snaps.setErr(7, errors.New("gateway down"))

	report, err := rec.Sweep(ctx)
	require.NoError(t, err, "per-issue failures never abort the sweep")
	assert.Equal(t, 1, report.Errors)

	state, err := st.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageStalled, state.Stage)
	assert.Contains(t, state.LastError, "recovery:")
	assert.Contains(t, state.LastError, "gateway down")
}

func TestStartStop_Restartable(t *testing.T) {
	rec, _, _, _, _, _ := newTestRecovery(t)
	ctx := context.Background()

	rec.Start(ctx)
	assert.True(t, rec.Running())
	rec.Stop()
	assert.False(t, rec.Running())
	rec.Start(ctx)
	rec.Stop()

	assert.False(t, rec.LastReport().At.IsZero(), "sweeps ran on both starts")
}

func TestStart_RunsStartupSweep(t *testing.T) {
	rec, st, _, _, _, snaps := newTestRecovery(t)

	// Work left mid-pipeline by an earlier process.
	seedAged(t, st, 9, pipeline.StageInProgress, 2*time.Hour)
	snaps.set(9, snapshotAt(9, pipeline.StageInProgress))

	rec.Start(context.Background())
	defer rec.Stop()

	require.Eventually(t, func() bool {
		state, err := st.Get(context.Background(), 9)
		return err == nil && state.Stage == pipeline.StageStalled
	}, 2*time.Second, 10*time.Millisecond)

	rec.Stop()
	report := rec.LastReport()
	assert.Equal(t, 1, report.Stalled)
	assert.False(t, report.At.IsZero())
}
