// Package enforcer verifies that the coding agent actually did what it
// said. After every agent turn it inspects the workspace's git state,
// upgrades the task's progress, and synthesizes follow-up instructions
// until the work is pushed and announced or the cycle budget runs out.
package enforcer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// DefaultMaxCycles bounds how many follow-up turns one inbound message
// may trigger. Two is enough for the full commit→push→notify cascade.
const DefaultMaxCycles = 2

const (
	pushInstruction = "You have uncommitted or unpushed work. Commit your changes, " +
		"push them to a feature branch, and open a pull request. Do it now rather " +
		"than describing it."
	notifyInstruction = "Your branch is pushed. Send the completion notification " +
		"summarizing what you changed and linking the pull request, then mark the " +
		"task complete."
)

// FollowUp re-invokes the agent with a synthesized instruction. The
// enforcer never talks to the agent directly; the caller owns session
// handles and history.
type FollowUp func(ctx context.Context, instruction string) error

// Enforcer runs the detection/enforcement loop for supervised tasks
type Enforcer struct {
	contexts  TaskContexts
	inspector Inspector
	maxCycles int
}

// New creates an enforcer. maxCycles <= 0 selects DefaultMaxCycles.
func New(contexts TaskContexts, inspector Inspector, maxCycles int) *Enforcer {
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}
	return &Enforcer{contexts: contexts, inspector: inspector, maxCycles: maxCycles}
}

// Detect derives the task's observable progress from a workspace
// snapshot. It reports the raw observation; monotonicity is applied when
// the result is stored.
func Detect(snap *Snapshot, tc *TaskContext) ProgressState {
	onFeatureBranch := snap.Branch != snap.DefaultBranch && snap.Branch != "HEAD"
	if onFeatureBranch && snap.HasUpstream {
		return ProgressBranchPushed
	}
	if snap.CommitHash != tc.BaseCommit || snap.DirtyCount > tc.BaseDirty {
		return ProgressCodeChanged
	}
	return ProgressNotStarted
}

// Enforce runs the bounded detect/follow-up loop for a task after an
// agent turn. It returns the task's final progress state. The loop stops
// when the task reaches notified, when a cycle detects no forward
// transition, or after maxCycles follow-ups.
func (e *Enforcer) Enforce(ctx context.Context, tc *TaskContext, followUp FollowUp) (ProgressState, error) {
	current := tc.ProgressState
	lastInstructed := ProgressState("")

	for cycle := 0; ; cycle++ {
		snap, err := e.inspector.Snapshot(ctx, tc.Workdir)
		if err != nil {
			return current, fmt.Errorf("failed to snapshot workspace: %w", err)
		}

		detected := Detect(snap, tc)
		if detected.Rank() > current.Rank() {
			if err := e.contexts.AdvanceProgress(ctx, tc.ID, detected); err != nil {
				return current, fmt.Errorf("failed to advance progress: %w", err)
			}
			current = detected
		}

		log.Debug().Int64("task", tc.ID).Str("detected", string(detected)).
			Str("progress", string(current)).Int("cycle", cycle).Msg("Enforcement check")

		if current == ProgressNotified {
			return current, nil
		}
		if cycle >= e.maxCycles {
			log.Warn().Int64("task", tc.ID).Str("progress", string(current)).
				Msg("Enforcement cycle budget exhausted")
			return current, nil
		}

		var instruction string
		switch current {
		case ProgressCodeChanged:
			instruction = pushInstruction
		case ProgressBranchPushed:
			instruction = notifyInstruction
		default:
			// nothing observable happened yet; nudging again would just
			// repeat the original request
			return current, nil
		}

		// detecting the same state twice means the last follow-up changed
		// nothing, so another identical one would too
		if current == lastInstructed {
			return current, nil
		}
		lastInstructed = current

		log.Info().Int64("task", tc.ID).Str("progress", string(current)).
			Msg("Synthesizing follow-up turn")
		if err := followUp(ctx, instruction); err != nil {
			return current, fmt.Errorf("follow-up invocation failed: %w", err)
		}
	}
}

// MarkNotified records that the completion message went out. Detection
// never sets this state on its own.
func (e *Enforcer) MarkNotified(ctx context.Context, taskID int64) error {
	return e.contexts.MarkNotified(ctx, taskID)
}

// ActiveTask returns the conversation's active task, if any
func (e *Enforcer) ActiveTask(ctx context.Context, conversationID int64) (*TaskContext, error) {
	return e.contexts.ActiveForConversation(ctx, conversationID)
}

// StartTask snapshots the workspace and opens a new task context
func (e *Enforcer) StartTask(ctx context.Context, tc *TaskContext) (*TaskContext, error) {
	if tc.Workdir != "" {
		snap, err := e.inspector.Snapshot(ctx, tc.Workdir)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot workspace at task start: %w", err)
		}
		tc.BaseCommit = snap.CommitHash
		tc.BaseDirty = snap.DirtyCount
		if tc.Branch == "" {
			tc.Branch = snap.Branch
		}
	}
	tc.ProgressState = ProgressNotStarted
	if _, err := e.contexts.Create(ctx, tc); err != nil {
		return nil, err
	}
	return tc, nil
}
