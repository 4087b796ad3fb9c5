package mapreduce

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/agent"
	"conductor/internal/gitops"
	"conductor/internal/interpolate"
	"conductor/internal/step"
	"conductor/internal/variables"
	"conductor/internal/workflow"

	"github.com/spf13/afero"
)

type fakeCheckpoint struct {
	mu    sync.Mutex
	saves []*JobState
}

func (f *fakeCheckpoint) Save(ctx context.Context, jobID string, state *JobState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *state
	f.saves = append(f.saves, &cp)
	return nil
}

func (f *fakeCheckpoint) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

type dlqEntry struct {
	ItemID    string
	Attempts  int
	LastErr   string
	Signature string
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries []dlqEntry
}

func (f *fakeDLQ) Insert(ctx context.Context, jobID string, item WorkItem, attempts int, lastErr string, signature string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, dlqEntry{ItemID: item.ItemID, Attempts: attempts, LastErr: lastErr, Signature: signature})
	return nil
}

type fakeEvents struct {
	mu    sync.Mutex
	kinds []string
}

func (f *fakeEvents) Emit(ctx context.Context, jobID string, kind string, metadata map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
}

func (f *fakeEvents) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func newSchedulerTestRuntime(repo string) *AgentRuntime {
	worktrees := gitops.NewManager(repo)
	interp := interpolate.New(interpolate.ComputedResolver{Fs: afero.NewMemMapFs()})
	steps := step.NewExecutor(step.Deps{
		Commands:    agent.NewCommandExecutor(nil),
		Interpolate: interp,
		When:        step.NewEvaluator(),
	})
	return NewAgentRuntime(worktrees, steps)
}

func workItems(ids ...string) []WorkItem {
	out := make([]WorkItem, len(ids))
	for i, id := range ids {
		out[i] = WorkItem{ItemID: id, Value: map[string]interface{}{"name": id}}
	}
	return out
}

// TestJobSchedulerAllSucceedMerges covers spec.md's S2 scenario: every item
// commits successfully and is merged back.
func TestJobSchedulerAllSucceedMerges(t *testing.T) {
	repo := initGitRepo(t)
	worktrees := gitops.NewManager(repo)
	interp := interpolate.New(interpolate.ComputedResolver{Fs: afero.NewMemMapFs()})
	steps := step.NewExecutor(step.Deps{
		Commands:    agent.NewCommandExecutor(nil),
		Interpolate: interp,
		When:        step.NewEvaluator(),
	})
	rt := NewAgentRuntime(worktrees, steps)

	mc := &workflow.MapConfig{
		// MaxParallel is 1 here: Manager.Merge already serializes merges
		// against the shared parent repo, and one worker also fixes the
		// order items run and merge in, keeping this test deterministic
		// while still exercising the full per-item commit/merge path.
		MaxParallel:       1,
		RetryOnFailure:    1,
		ContinueOnFailure: true,
		AgentTemplate: []step.Step{
			{
				Name:           "commit-work",
				Kind:           step.KindShell,
				Shell:          "echo ${item.name} > ${item_id}.txt && git add . && git commit -m ${item_id}",
				CommitRequired: true,
			},
		},
	}
	state := NewJobState("job-ok", mc, workItems("item_0", "item_1", "item_2"))

	cp := &fakeCheckpoint{}
	dlq := &fakeDLQ{}
	events := &fakeEvents{}

	sched := NewJobScheduler(SchedulerDeps{
		Runtime:    rt,
		Checkpoint: cp,
		DLQ:        dlq,
		Events:     events,
		Merge: func(ctx context.Context, worktreeID string) (*gitops.MergeResult, error) {
			return worktrees.Merge(ctx, worktreeID)
		},
	}, state)

	res, err := sched.Run(context.Background(), variables.NewRootScope())
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
	assert.Len(t, res.MergedBy, 3)

	assert.Equal(t, 3, state.SuccessfulCount)
	assert.Equal(t, 0, state.FailedCount)
	assert.True(t, state.IsComplete)
	assert.Empty(t, state.Pending)
	assert.Empty(t, dlq.entries)

	assert.Equal(t, 1, events.count("JobStarted"))
	assert.Equal(t, 1, events.count("JobFinished"))
	assert.Equal(t, 3, events.count("ItemCompleted"))
}

// TestJobSchedulerRetriesThenDLQ covers spec.md's S3 scenario: an item that
// always fails is attempted retry_on_failure+1 times, then routed to the DLQ.
func TestJobSchedulerRetriesThenDLQ(t *testing.T) {
	repo := initGitRepo(t)
	rt := newSchedulerTestRuntime(repo)

	mc := &workflow.MapConfig{
		MaxParallel:       1,
		RetryOnFailure:    2,
		ContinueOnFailure: true,
		AgentTemplate: []step.Step{
			{Name: "always-fails", Kind: step.KindShell, Shell: "exit 1"},
		},
	}
	state := NewJobState("job-fail", mc, workItems("item_0"))

	cp := &fakeCheckpoint{}
	dlq := &fakeDLQ{}
	events := &fakeEvents{}

	sched := NewJobScheduler(SchedulerDeps{
		Runtime:    rt,
		Checkpoint: cp,
		DLQ:        dlq,
		Events:     events,
	}, state)

	res, err := sched.Run(context.Background(), variables.NewRootScope())
	require.NoError(t, err)
	assert.False(t, res.Cancelled)

	require.Len(t, dlq.entries, 1)
	assert.Equal(t, "item_0", dlq.entries[0].ItemID)
	assert.Equal(t, 3, dlq.entries[0].Attempts) // initial attempt + 2 retries
	assert.Equal(t, "CommandFailure", dlq.entries[0].Signature)

	assert.Equal(t, 0, state.SuccessfulCount)
	assert.Equal(t, 1, state.FailedCount)
	assert.True(t, state.IsComplete)
	assert.Empty(t, state.Pending)
	assert.Equal(t, 2, events.count("ItemRetrying"))
	assert.Equal(t, 1, events.count("ItemFailed"))
}

// TestJobSchedulerContinueOnFailureFalseCancels covers the cancel-on-failure
// path: once an item exhausts its retries with continue_on_failure=false, the
// run reports Cancelled and never merges a successor still in flight.
func TestJobSchedulerContinueOnFailureFalseCancels(t *testing.T) {
	repo := initGitRepo(t)
	rt := newSchedulerTestRuntime(repo)

	mc := &workflow.MapConfig{
		MaxParallel:       1,
		RetryOnFailure:    0,
		ContinueOnFailure: false,
		AgentTemplate: []step.Step{
			{Name: "always-fails", Kind: step.KindShell, Shell: "exit 1"},
		},
	}
	state := NewJobState("job-cancel", mc, workItems("item_0", "item_1"))

	cp := &fakeCheckpoint{}
	dlq := &fakeDLQ{}
	events := &fakeEvents{}

	sched := NewJobScheduler(SchedulerDeps{
		Runtime:    rt,
		Checkpoint: cp,
		DLQ:        dlq,
		Events:     events,
	}, state)

	res, err := sched.Run(context.Background(), variables.NewRootScope())
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.LessOrEqual(t, len(dlq.entries), 2)
}

func TestJobSchedulerCheckpointsOnEveryCompletion(t *testing.T) {
	repo := initGitRepo(t)
	rt := newSchedulerTestRuntime(repo)

	mc := &workflow.MapConfig{
		MaxParallel:       3,
		RetryOnFailure:    0,
		ContinueOnFailure: true,
		AgentTemplate: []step.Step{
			{Name: "noop", Kind: step.KindShell, Shell: "true"},
		},
	}
	state := NewJobState("job-cp", mc, workItems("item_0", "item_1", "item_2"))

	cp := &fakeCheckpoint{}
	sched := NewJobScheduler(SchedulerDeps{Runtime: rt, Checkpoint: cp, ItemsPerCheckpoint: 1}, state)

	_, err := sched.Run(context.Background(), variables.NewRootScope())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, cp.count(), 3)
}
