// Package executor wires every other package into the single orchestration
// loop a workflow run actually drives: Setup steps against the parent repo,
// the map phase via mapreduce.JobScheduler, and Reduce steps against the
// merged result, with checkpointing at every phase boundary (spec.md §4.9,
// §4.10, §6). Grounded on station's run orchestration (the
// handler-to-session wiring in cmd/main/handlers/ plus internal/coding's
// session lifecycle), generalized from "one AI coding session" to "one
// workflow definition, map phase included".
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/afero"

	"conductor/internal/agent"
	"conductor/internal/checkpoint"
	"conductor/internal/datapipeline"
	"conductor/internal/dlq"
	"conductor/internal/events"
	"conductor/internal/gitops"
	"conductor/internal/interpolate"
	"conductor/internal/mapreduce"
	"conductor/internal/step"
	"conductor/internal/variables"
	"conductor/internal/workflow"
)

// Deps are the process-wide collaborators a WorkflowExecutor wires into
// every run's checkpoint store, DLQ, event stream, worktree manager, and
// step executor.
type Deps struct {
	Fs           afero.Fs
	BaseDir      string
	ParentRepo   string
	TargetBranch string
	Credentials  *gitops.Credentials
	Commands     *agent.CommandExecutor
	// ItemsPerCheckpoint is passed straight through to
	// mapreduce.SchedulerDeps; 0 defaults to 1 there.
	ItemsPerCheckpoint int
}

// Outcome is what Run/Resume report once a workflow run reaches a terminal
// state: every step settled, or a continue_on_failure=false / context
// cancellation interrupted the map phase first.
type Outcome struct {
	JobID        string
	Cancelled    bool
	MapState     *mapreduce.JobState
	ReduceOutput interface{}
}

// WorkflowExecutor runs a workflow.Definition from start to finish, or
// resumes one from its last checkpoint.
type WorkflowExecutor struct {
	deps Deps

	checkpoint *checkpoint.Store
	dlq        *dlq.Store
	steps      *step.Executor
}

// New creates a WorkflowExecutor.
func New(deps Deps) *WorkflowExecutor {
	interp := interpolate.New(interpolate.ComputedResolver{Fs: deps.Fs})
	steps := step.NewExecutor(step.Deps{
		Commands:    deps.Commands,
		Interpolate: interp,
		When:        step.NewEvaluator(),
	})
	return &WorkflowExecutor{
		deps:       deps,
		checkpoint: checkpoint.NewStore(deps.Fs, deps.BaseDir),
		dlq:        dlq.NewStore(deps.Fs, deps.BaseDir),
		steps:      steps,
	}
}

// Run starts a fresh job: Setup steps run against the parent repo directly,
// then (for a mapreduce workflow) the map phase fans out via
// mapreduce.JobScheduler and Reduce steps run against the merged target
// branch.
func (w *WorkflowExecutor) Run(ctx context.Context, def *workflow.Definition, jobID string, initialVars map[string]interface{}) (Outcome, error) {
	root := variables.NewRootScope()
	for k, v := range initialVars {
		root.SetNative(k, v)
	}

	setupScope := root.NewChild()
	if _, err := w.runSteps(ctx, def.Setup, w.deps.ParentRepo, setupScope); err != nil {
		return Outcome{JobID: jobID}, fmt.Errorf("executor: setup: %w", err)
	}

	if def.Mode != workflow.ModeMapReduce {
		return Outcome{JobID: jobID}, nil
	}

	items, err := w.loadMapItems(def.Map)
	if err != nil {
		return Outcome{JobID: jobID}, fmt.Errorf("executor: load map input: %w", err)
	}

	state := mapreduce.NewJobState(jobID, def.Map, items)
	state.ReduceSteps = def.Reduce
	state.ParentWorktree = w.deps.ParentRepo

	return w.runFromState(ctx, state, root, w.deps.ParentRepo)
}

// Resume continues a previously checkpointed job from its last saved
// JobState. It deliberately does not re-run Setup: setup side effects
// aren't safely idempotent, and setup-scope captured variables aren't
// persisted by a checkpoint in the first place (only JobState's own fields
// survive a save/load round trip), so a resumed run's Setup-scope
// variables are simply absent — a known, documented limitation rather than
// an oversight.
func (w *WorkflowExecutor) Resume(ctx context.Context, jobID string, initialVars map[string]interface{}) (Outcome, error) {
	state, err := w.checkpoint.Load(ctx, jobID, 0)
	if err != nil {
		return Outcome{JobID: jobID}, fmt.Errorf("executor: load checkpoint: %w", err)
	}

	root := variables.NewRootScope()
	for k, v := range initialVars {
		root.SetNative(k, v)
	}

	parentRepo := w.deps.ParentRepo
	if state.ParentWorktree != "" {
		parentRepo = state.ParentWorktree
	}

	return w.runFromState(ctx, state, root, parentRepo)
}

// runFromState drives the map phase (a no-op if state.Pending is already
// empty, which lets Resume call this unconditionally) and then, if
// def.Reduce hasn't already completed, the reduce phase.
func (w *WorkflowExecutor) runFromState(ctx context.Context, state *mapreduce.JobState, root *variables.Scope, parentRepo string) (Outcome, error) {
	worktrees := gitops.NewManager(parentRepo,
		gitops.WithTargetBranch(w.deps.TargetBranch),
		gitops.WithCredentials(w.deps.Credentials),
	)
	runtime := mapreduce.NewAgentRuntime(worktrees, w.steps)

	eventsWriter := events.NewWriter(w.deps.Fs, w.deps.BaseDir, state.JobID)
	defer eventsWriter.Close()

	scheduler := mapreduce.NewJobScheduler(mapreduce.SchedulerDeps{
		Runtime:            runtime,
		Checkpoint:         w.checkpoint,
		DLQ:                w.dlq,
		Events:             eventsWriter,
		Merge:              worktrees.Merge,
		ItemsPerCheckpoint: w.deps.ItemsPerCheckpoint,
	}, state)

	mapScope := root.NewChild()
	result, err := scheduler.Run(ctx, mapScope)
	cancelled := result.Cancelled || ctx.Err() != nil
	if err != nil {
		return Outcome{JobID: state.JobID, MapState: state, Cancelled: cancelled}, fmt.Errorf("executor: map phase: %w", err)
	}
	if cancelled {
		return Outcome{JobID: state.JobID, MapState: state, Cancelled: true}, nil
	}

	if len(state.ReduceSteps) == 0 || state.ReducePhase.Terminal() {
		return Outcome{JobID: state.JobID, MapState: state}, nil
	}

	reduceScope := root.NewChild()
	populateMapMergeVars(reduceScope, state, result)

	state.ReducePhase.Status = mapreduce.ReduceRunning
	state.ReducePhase.StartedAt = time.Now().UTC()
	_ = w.checkpoint.Save(ctx, state.JobID, state)

	output, rerr := w.runSteps(ctx, state.ReduceSteps, parentRepo, reduceScope)

	state.ReducePhase.CompletedAt = time.Now().UTC()
	if rerr != nil {
		state.ReducePhase.Status = mapreduce.ReduceFailed
		state.ReducePhase.Err = rerr.Error()
		state.Recompute()
		_ = w.checkpoint.Save(ctx, state.JobID, state)
		return Outcome{JobID: state.JobID, MapState: state}, fmt.Errorf("executor: reduce phase: %w", rerr)
	}

	state.ReducePhase.Status = mapreduce.ReduceCompleted
	state.ReducePhase.Output = output
	state.Recompute()
	_ = w.checkpoint.Save(ctx, state.JobID, state)

	return Outcome{JobID: state.JobID, MapState: state, ReduceOutput: output}, nil
}

// runSteps drives a sequential step list (Setup or Reduce) against workDir,
// stopping at the first failure, and reports the last step's captured
// value — the closest analogue Setup/Reduce has to AgentRuntime.Run's
// lastStdout for the map phase.
func (w *WorkflowExecutor) runSteps(ctx context.Context, steps []step.Step, workDir string, scope *variables.Scope) (interface{}, error) {
	var last interface{}
	for i, st := range steps {
		result, err := w.steps.Execute(ctx, st, step.RunContext{WorkDir: workDir, Scope: scope, StepIndex: i})
		if result.Captured != nil {
			last = result.Captured
		}
		if result.Status == step.StatusFailed {
			if err != nil {
				return last, err
			}
			return last, fmt.Errorf("executor: step %q failed", st.Name)
		}
	}
	return last, nil
}

// loadMapItems reads a mapreduce workflow's map.input file and runs it
// through the datapipeline (select/filter/sort/offset/limit) to produce the
// ordered work item list a fresh JobState is seeded with.
func (w *WorkflowExecutor) loadMapItems(mc *workflow.MapConfig) ([]mapreduce.WorkItem, error) {
	data, err := afero.ReadFile(w.deps.Fs, mc.Input)
	if err != nil {
		return nil, fmt.Errorf("read map input %s: %w", mc.Input, err)
	}

	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("parse map input %s: %w", mc.Input, err)
	}

	items, err := datapipeline.Run(decoded, datapipeline.Config{
		JSONPath: mc.JSONPath,
		Filter:   mc.Filter,
		SortBy:   mc.SortBy,
		Offset:   mc.Offset,
		Limit:    mc.MaxItems,
	})
	if err != nil {
		return nil, err
	}

	out := make([]mapreduce.WorkItem, len(items))
	for i, it := range items {
		out[i] = mapreduce.WorkItem{ItemID: it.ItemID, Value: it.Value}
	}
	return out, nil
}

// populateMapMergeVars seeds the reduce-phase scope with map.* and merge.*
// variables (spec.md §4.9's "reduce phase variables"). map.results and the
// commit-derived merge.* fields are built from state.AgentResults, walked
// in state.WorkItems order, because that is the part of a JobState a
// checkpoint actually persists: on a resumed run, result.MergedBy only
// reflects merges performed by *this* process invocation, so
// merge.file_list/merge.modified_files/merge.file_count (which need
// gitops.MergeResult.ModifiedFiles, never persisted) fall back to empty for
// any merge that actually happened before an earlier crash — a known,
// documented limitation. merge.commits/merge.commit_ids/merge.commit_count
// have no such gap, since AgentResult.Commits is itself part of the
// checkpoint payload.
func populateMapMergeVars(scope *variables.Scope, state *mapreduce.JobState, result mapreduce.RunResult) {
	results := make([]interface{}, 0, len(state.WorkItems))
	var commits []interface{}
	successCount := 0

	for _, item := range state.WorkItems {
		ar, ok := state.AgentResults[item.ItemID]
		if !ok {
			continue
		}
		results = append(results, map[string]interface{}{
			"item_id": ar.ItemID,
			"status":  string(ar.Status),
			"output":  ar.Output,
			"commits": stringsToInterfaces(ar.Commits),
		})
		if ar.Status == mapreduce.StatusSuccess {
			successCount++
			for _, c := range ar.Commits {
				commits = append(commits, c)
			}
		}
	}

	scope.SetNative("map.results", results)
	scope.SetNative("map.successful", float64(successCount))
	scope.SetNative("map.failed", float64(state.FailedCount))
	scope.SetNative("map.total", float64(state.TotalCount))
	scope.SetNative("map.success_rate", state.SuccessRate())

	scope.SetNative("merge.commits", commits)
	scope.SetNative("merge.commit_ids", commits)
	scope.SetNative("merge.commit_count", float64(len(commits)))

	var files []interface{}
	for _, mr := range result.MergedBy {
		for _, f := range mr.ModifiedFiles {
			files = append(files, f)
		}
	}
	scope.SetNative("merge.file_list", files)
	scope.SetNative("merge.modified_files", files)
	scope.SetNative("merge.file_count", float64(len(files)))
}

func stringsToInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
