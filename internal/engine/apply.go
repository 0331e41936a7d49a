package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/drover/internal/agent"
	"github.com/fyrsmithlabs/drover/internal/events"
	"github.com/fyrsmithlabs/drover/internal/gateway"
	"github.com/fyrsmithlabs/drover/internal/pipeline"
	"github.com/fyrsmithlabs/drover/internal/store"
	"github.com/fyrsmithlabs/drover/internal/tracking"
)

// Apply executes one decided action. Transition actions claim the stage
// change through the store's compare-and-set first; only the winner
// issues side effects. Losing the race is silent, the next cycle
// re-decides from fresh state. Side-effect failures leave the committed
// transition in place, annotated as the issue's last error for recovery
// to re-drive.
func (e *engine) Apply(ctx context.Context, action Action, snap *pipeline.Snapshot) error {
	ctx, span := e.tracer.Start(ctx, "engine.apply")
	defer span.End()
	issue := snap.Issue.Number
	span.SetAttributes(
		attribute.Int("issue.number", issue),
		attribute.String("action", action.Kind.String()),
	)

	switch action.Kind {
	case ActionNone:
		e.applyNone(ctx, action, issue)
		return nil
	case ActionMergeNextPR:
		return e.applyMerge(ctx, action, issue)
	}

	if _, err := e.store.Transition(ctx, issue, action.From, action.To, store.TransitionMeta{}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another actor advanced the issue first; not an error.
			e.recordAction(ctx, action.Kind, "conflict")
			e.logger.Debug("lost transition race",
				zap.Int("issue", issue),
				zap.String("from", action.From.String()),
				zap.String("to", action.To.String()))
			return nil
		}
		e.recordAction(ctx, action.Kind, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition claim failed")
		return fmt.Errorf("failed to claim transition: %w", err)
	}

	// The stage change is committed from here on. Forward progress also
	// ends any consecutive-stall streak.
	if err := e.store.ClearStall(ctx, issue); err != nil {
		e.logger.Debug("failed to reset stall counter", zap.Int("issue", issue), zap.Error(err))
	}
	e.publish(ctx, action, snap)

	if err := e.sideEffects(ctx, action, snap); err != nil {
		e.recordAction(ctx, action.Kind, "side_effect_error")
		msg := fmt.Sprintf("%s: %v", action.Kind, err)
		if rerr := e.store.RecordError(ctx, issue, msg); rerr != nil {
			e.logger.Warn("failed to record issue error", zap.Int("issue", issue), zap.Error(rerr))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "side effects failed")
		return fmt.Errorf("transition %s -> %s committed but side effects failed: %w",
			action.From, action.To, err)
	}

	e.recordAction(ctx, action.Kind, "applied")
	e.logger.Info("applied transition",
		zap.Int("issue", issue),
		zap.String("from", action.From.String()),
		zap.String("to", action.To.String()),
		zap.String("action", action.Kind.String()),
		zap.String("reason", action.Reason))
	return nil
}

// applyNone records an inconsistency annotation when the detector's
// signals disagree; a plain hold does nothing.
func (e *engine) applyNone(ctx context.Context, action Action, issue int) {
	if !action.Inconsistent {
		e.recordAction(ctx, action.Kind, "held")
		return
	}
	e.recordAction(ctx, action.Kind, "inconsistent")
	e.logger.Warn("completion signals disagree, holding issue",
		zap.Int("issue", issue),
		zap.String("reason", action.Reason))
	if err := e.store.RecordError(ctx, issue, "inconsistent: "+action.Reason); err != nil {
		e.logger.Warn("failed to record issue error", zap.Int("issue", issue), zap.Error(err))
	}
}

// applyMerge merges the head of the merge queue. One PR per cycle, so
// each merge is confirmed before the next is attempted.
func (e *engine) applyMerge(ctx context.Context, action Action, issue int) error {
	if err := e.gateway.MergePR(ctx, action.PR); err != nil {
		e.recordAction(ctx, action.Kind, "error")
		if rerr := e.store.RecordError(ctx, issue, fmt.Sprintf("merge_next_pr: %v", err)); rerr != nil {
			e.logger.Warn("failed to record issue error", zap.Int("issue", issue), zap.Error(rerr))
		}
		return fmt.Errorf("failed to merge pull request #%d: %w", action.PR, err)
	}

	if err := e.store.ClearError(ctx, issue); err != nil {
		e.logger.Debug("failed to clear issue error", zap.Int("issue", issue), zap.Error(err))
	}
	e.recordAction(ctx, action.Kind, "applied")
	e.logger.Info("merged pull request",
		zap.Int("issue", issue),
		zap.Int("pr", action.PR))
	return nil
}

// sideEffects issues the gateway and invocation work for a committed
// transition, in a fixed order so partial failures are re-drivable.
func (e *engine) sideEffects(ctx context.Context, action Action, snap *pipeline.Snapshot) error {
	issue := snap.Issue.Number

	switch action.Kind {
	case ActionAssignAgent:
		return e.assignEffects(ctx, action, snap)

	case ActionComplete:
		if err := e.gateway.SetField(ctx, issue, gateway.FieldStatus, action.To.String()); err != nil {
			return err
		}
		if err := e.store.ClearAssignment(ctx, issue); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to clear assignment: %w", err)
		}
		return nil

	default:
		// Every transition mirrors its stage onto the external status
		// label so humans and agents see the same pipeline position.
		return e.gateway.SetField(ctx, issue, gateway.FieldStatus, action.To.String())
	}
}

// assignEffects runs the assignment hand-off: record the assignment,
// mirror labels, invoke the agent, then announce the invocation in the
// assignment comment. The comment comes last so its presence implies the
// invocation happened; recovery checks exactly that before re-invoking.
func (e *engine) assignEffects(ctx context.Context, action Action, snap *pipeline.Snapshot) error {
	issue := snap.Issue.Number
	invocationID := uuid.New().String()

	if err := e.store.Assign(ctx, issue, action.Agent, invocationID); err != nil {
		if errors.Is(err, store.ErrAssigned) {
			// A previous partial attempt still holds the assignment.
			// Recovery owns re-driving that invocation; minting a second
			// one here would double-trigger the agent.
			e.logger.Debug("assignment already recorded, syncing labels only",
				zap.Int("issue", issue))
			return e.syncAssignmentFields(ctx, issue, action)
		}
		return fmt.Errorf("failed to record assignment: %w", err)
	}

	if err := e.syncAssignmentFields(ctx, issue, action); err != nil {
		return err
	}

	if err := e.invoker.Invoke(ctx, agent.Invocation{
		InvocationID: invocationID,
		Agent:        action.Agent,
		Repo:         snap.Issue.Repo,
		Issue:        issue,
		Title:        snap.Issue.Title,
	}); err != nil {
		return fmt.Errorf("failed to invoke agent: %w", err)
	}

	if err := e.gateway.Comment(ctx, issue, tracking.AssignmentComment(action.Agent, invocationID)); err != nil {
		return fmt.Errorf("failed to post assignment comment: %w", err)
	}
	return nil
}

func (e *engine) syncAssignmentFields(ctx context.Context, issue int, action Action) error {
	if err := e.gateway.SetField(ctx, issue, gateway.FieldStatus, action.To.String()); err != nil {
		return err
	}
	return e.gateway.SetField(ctx, issue, gateway.FieldAgent, action.Agent)
}

// publish emits the transition event. Best-effort: a broker failure
// never unwinds a committed transition.
func (e *engine) publish(ctx context.Context, action Action, snap *pipeline.Snapshot) {
	err := e.publisher.PublishTransition(ctx, events.TransitionEvent{
		Repo:   snap.Issue.Repo,
		Issue:  snap.Issue.Number,
		From:   action.From,
		To:     action.To,
		Agent:  action.Agent,
		Reason: action.Reason,
	})
	if err != nil {
		e.logger.Warn("failed to publish transition event",
			zap.Int("issue", snap.Issue.Number),
			zap.Error(err))
	}
}
