package gitops

import (
	"context"
	"fmt"
)

// CommitValidationFailedError is returned when a step declared
// commit_required but HEAD did not move, per spec.md §4.4. It is
// non-retryable at the step level but may be retried at the agent level by
// the scheduler.
type CommitValidationFailedError struct {
	AgentID     string
	ItemID      string
	StepIndex   int
	Command     string
	BaseCommit  string
	WorktreePath string
}

func (e *CommitValidationFailedError) Error() string {
	return fmt.Sprintf("gitops: commit required but HEAD unchanged at %s (agent=%s item=%s step=%d command=%q)",
		e.BaseCommit, e.AgentID, e.ItemID, e.StepIndex, e.Command)
}

// CommitValidationResult carries the commit SHAs produced by a validated
// step, in child-first order (newest first).
type CommitValidationResult struct {
	Commits []string
}

// ValidateStepCommits compares HEAD before and after a step's command ran.
// baseCommit is the HEAD snapshot taken before dispatch; worktreePath is
// where the command ran.
func ValidateStepCommits(ctx context.Context, worktreePath, baseCommit string, agentID, itemID, command string, stepIndex int) (*CommitValidationResult, error) {
	head, err := HeadOf(ctx, worktreePath)
	if err != nil {
		return nil, err
	}
	if head == baseCommit {
		return nil, &CommitValidationFailedError{
			AgentID:      agentID,
			ItemID:       itemID,
			StepIndex:    stepIndex,
			Command:      command,
			BaseCommit:   baseCommit,
			WorktreePath: worktreePath,
		}
	}
	commits, err := CommitsSince(ctx, worktreePath, baseCommit, head)
	if err != nil {
		return nil, err
	}
	return &CommitValidationResult{Commits: commits}, nil
}
