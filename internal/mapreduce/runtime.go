package mapreduce

import (
	"context"
	"fmt"
	"time"

	"conductor/internal/gitops"
	"conductor/internal/step"
	"conductor/internal/variables"
)

// AgentRuntime drives one item's full agent_template run inside an isolated
// worktree (spec.md §4.8), grounded on station's per-session coding-agent
// lifecycle (internal/coding) generalized from "one AI session" to "one
// ordered step list against a VariableContext".
type AgentRuntime struct {
	Worktrees *gitops.Manager
	Steps     *step.Executor
}

// NewAgentRuntime creates an AgentRuntime.
func NewAgentRuntime(worktrees *gitops.Manager, steps *step.Executor) *AgentRuntime {
	return &AgentRuntime{Worktrees: worktrees, Steps: steps}
}

// RunInput is the per-invocation data an AgentRuntime needs beyond its fixed
// collaborators.
type RunInput struct {
	JobID         string
	Item          WorkItem
	ItemIndex     int
	ItemTotal     int
	AgentTemplate []step.Step
	ParentScope   *variables.Scope
	BaseRef       string // worktree branch point; empty means parent repo HEAD
	Timeout       time.Duration
}

// Run executes spec.md §4.8's AgentRuntime algorithm: allocate a worktree,
// seed a VariableContext, drive agent_template sequentially, and report a
// terminal AgentResult. The worktree is never cleaned up here — on success
// it is left for JobScheduler to queue for merge; on failure it is left for
// diagnostics, per spec.md §4.8 step 6.
func (r *AgentRuntime) Run(ctx context.Context, in RunInput) (AgentResult, *gitops.Worktree) {
	if in.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.Timeout)
		defer cancel()
	}

	start := time.Now()

	wt, err := r.Worktrees.Create(ctx, in.JobID, in.Item.ItemID, in.BaseRef)
	if err != nil {
		return AgentResult{
			ItemID:   in.Item.ItemID,
			Status:   StatusFailed,
			Reason:   fmt.Sprintf("worktree allocation failed: %v", err),
			Duration: time.Since(start),
		}, nil
	}

	scope := in.ParentScope.NewChild()
	seedItemScope(scope, in.Item, in.ItemIndex, in.ItemTotal)

	var commits []string
	var lastStdout interface{}

	for i, st := range in.AgentTemplate {
		result, execErr := r.Steps.Execute(ctx, st, step.RunContext{
			WorkDir:   wt.Path,
			Scope:     scope,
			AgentID:   wt.ID,
			ItemID:    in.Item.ItemID,
			StepIndex: i,
		})

		commits = append(commits, result.Commits...)
		if result.Captured != nil {
			lastStdout = result.Captured
		}

		if ctx.Err() == context.DeadlineExceeded {
			return AgentResult{
				ItemID:     in.Item.ItemID,
				Status:     StatusTimeout,
				Reason:     fmt.Sprintf("step %q exceeded agent_timeout", st.Name),
				Commits:    commits,
				Duration:   time.Since(start),
				WorktreeID: wt.ID,
			}, wt
		}

		if result.Status == step.StatusFailed {
			reason := st.Name
			if execErr != nil {
				reason = execErr.Error()
			}
			return AgentResult{
				ItemID:     in.Item.ItemID,
				Status:     StatusFailed,
				Reason:     reason,
				Commits:    commits,
				Duration:   time.Since(start),
				WorktreeID: wt.ID,
				LogRef:     result.LogRef,
			}, wt
		}
	}

	return AgentResult{
		ItemID:     in.Item.ItemID,
		Status:     StatusSuccess,
		Output:     lastStdout,
		Commits:    commits,
		Duration:   time.Since(start),
		WorktreeID: wt.ID,
	}, wt
}

// seedItemScope seeds the per-agent scope with item/item_id/item_index/
// item_total and per-field item.<field> projections, per spec.md §4.8 step
// 2. Legacy $ARG/$ARGUMENT/$FILE/$FILE_PATH aliases resolve through the
// interpolation engine's own alias table (internal/interpolate), not here.
func seedItemScope(scope *variables.Scope, item WorkItem, index, total int) {
	scope.SetNative("item", item.Value)
	scope.SetNative("item_id", item.ItemID)
	scope.SetNative("item_index", float64(index))
	scope.SetNative("item_total", float64(total))

	if obj, ok := item.Value.(map[string]interface{}); ok {
		for k, v := range obj {
			scope.SetNative("item."+k, v)
		}
	}
}
