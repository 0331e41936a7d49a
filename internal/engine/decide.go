package engine

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/drover/internal/pipeline"
)

// Decide names at most one action for the issue. It is a pure function
// of the snapshot, the stored state, and the clock: no I/O, no store
// reads, so it can be re-run by recovery against a stalled issue's
// origin stage.
//
// Stalled issues are never advanced here directly; recovery substitutes
// the stalled-from stage before calling and rewrites Action.From.
func (e *engine) Decide(snap *pipeline.Snapshot, state pipeline.State, now time.Time) Action {
	none := Action{Kind: ActionNone, From: state.Stage}

	switch state.Stage {
	case pipeline.StageBacklog:
		if snap.ExternalStatus == pipeline.StageReady.String() {
			return Action{
				Kind:   ActionActivate,
				From:   state.Stage,
				To:     pipeline.StageReady,
				Reason: "issue marked ready externally",
			}
		}

	case pipeline.StageReady:
		if snap.EligibleAgent != "" && !state.Assigned() {
			return Action{
				Kind:   ActionAssignAgent,
				From:   state.Stage,
				To:     pipeline.StageAgentAssigned,
				Agent:  snap.EligibleAgent,
				Reason: "eligible agent available",
			}
		}

	case pipeline.StageAgentAssigned:
		if snap.AgentActive() {
			return Action{
				Kind:   ActionMarkInProgress,
				From:   state.Stage,
				To:     pipeline.StageInProgress,
				Reason: "agent activity observed",
			}
		}

	case pipeline.StageInProgress:
		if snap.Completion.Inconsistent {
			return e.inconsistent(state, snap)
		}
		if snap.Completion.Reviewable {
			return Action{
				Kind:   ActionRequestReview,
				From:   state.Stage,
				To:     pipeline.StageInReview,
				Reason: "all work carries a reviewable pull request",
			}
		}

	case pipeline.StageInReview:
		if snap.Completion.Inconsistent {
			return e.inconsistent(state, snap)
		}
		// Complete covers work merged out-of-band while the review gate
		// saw no open PR left to satisfy.
		if snap.Completion.ReviewSatisfied || snap.Completion.Complete {
			reason := "review gate satisfied"
			if !snap.Completion.ReviewSatisfied {
				reason = "work already merged"
			}
			return Action{
				Kind:   ActionBeginMerging,
				From:   state.Stage,
				To:     pipeline.StageMerging,
				Reason: reason,
			}
		}

	case pipeline.StageMerging:
		if snap.Completion.Inconsistent {
			return e.inconsistent(state, snap)
		}
		if len(snap.Completion.MergeQueue) > 0 {
			head := snap.Completion.MergeQueue[0]
			return Action{
				Kind:   ActionMergeNextPR,
				From:   state.Stage,
				PR:     head.Number,
				Reason: fmt.Sprintf("pull request #%d ready to merge", head.Number),
			}
		}
		if snap.Completion.Complete {
			if snap.Open {
				none.Reason = "work complete, waiting for issue to close"
				return none
			}
			return Action{
				Kind:   ActionComplete,
				From:   state.Stage,
				To:     pipeline.StageDone,
				Reason: "all pull requests merged and issue closed",
			}
		}

	case pipeline.StageDone, pipeline.StageStalled:
		return none
	}

	return none
}

func (e *engine) inconsistent(state pipeline.State, snap *pipeline.Snapshot) Action {
	return Action{
		Kind:         ActionNone,
		From:         state.Stage,
		Reason:       snap.Completion.Reason,
		Inconsistent: true,
	}
}
