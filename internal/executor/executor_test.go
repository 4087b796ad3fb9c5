package executor

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/agent"
	"conductor/internal/checkpoint"
	"conductor/internal/mapreduce"
	"conductor/internal/step"
	"conductor/internal/variables"
	"conductor/internal/workflow"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seed.txt"), []byte("seed"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "seed")
	return dir
}

func newTestDeps(t *testing.T, repo string) Deps {
	return Deps{
		Fs:         afero.NewOsFs(),
		BaseDir:    t.TempDir(),
		ParentRepo: repo,
		Commands:   agent.NewCommandExecutor(nil),
	}
}

func TestRunSimpleWorkflowRunsSetupOnlyNoMapState(t *testing.T) {
	repo := initGitRepo(t)
	e := New(newTestDeps(t, repo))

	def := &workflow.Definition{
		Mode: workflow.ModeSimple,
		Setup: []step.Step{
			{Name: "touch-file", Kind: step.KindShell, Shell: "echo hi > setup.txt && git add . && git commit -m setup", CommitRequired: true},
		},
	}

	outcome, err := e.Run(context.Background(), def, "job-simple", nil)
	require.NoError(t, err)
	assert.Nil(t, outcome.MapState)
	assert.False(t, outcome.Cancelled)
}

func TestRunMapReduceWorkflowEndToEnd(t *testing.T) {
	repo := initGitRepo(t)

	itemsPath := filepath.Join(repo, "items.json")
	data, err := json.Marshal([]map[string]interface{}{
		{"name": "alpha"},
		{"name": "beta"},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(itemsPath, data, 0o644))

	def := &workflow.Definition{
		Mode: workflow.ModeMapReduce,
		Map: &workflow.MapConfig{
			Input:             itemsPath,
			MaxParallel:       1,
			ContinueOnFailure: true,
			AgentTemplate: []step.Step{
				{
					Name:           "commit-work",
					Kind:           step.KindShell,
					Shell:          "echo ${item.name} > ${item_id}.txt && git add . && git commit -m ${item_id}",
					CommitRequired: true,
				},
			},
		},
		Reduce: []step.Step{
			{
				Name:          "report",
				Kind:          step.KindShell,
				Shell:         "echo ${merge.commit_count}",
				Capture:       "commit_count",
				CaptureFormat: agent.CaptureNumber,
			},
		},
	}

	e := New(newTestDeps(t, repo))
	outcome, err := e.Run(context.Background(), def, "job-e2e", nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.MapState)

	assert.False(t, outcome.Cancelled)
	assert.Equal(t, 2, outcome.MapState.SuccessfulCount)
	assert.True(t, outcome.MapState.IsComplete)
	assert.Equal(t, mapreduce.ReduceCompleted, outcome.MapState.ReducePhase.Status)
	assert.Equal(t, float64(2), outcome.ReduceOutput)
}

func TestResumeCompletesRemainingPendingItemAndSkipsSetup(t *testing.T) {
	repo := initGitRepo(t)
	deps := newTestDeps(t, repo)

	mc := &workflow.MapConfig{
		MaxParallel:       1,
		ContinueOnFailure: true,
		AgentTemplate: []step.Step{
			{
				Name:           "commit-work",
				Kind:           step.KindShell,
				Shell:          "echo hi > ${item_id}.txt && git add . && git commit -m ${item_id}",
				CommitRequired: true,
			},
		},
	}
	state := mapreduce.NewJobState("job-resume", mc, []mapreduce.WorkItem{
		{ItemID: "item_0", Value: map[string]interface{}{"name": "a"}},
	})

	cp := checkpoint.NewStore(deps.Fs, deps.BaseDir)
	require.NoError(t, cp.Save(context.Background(), "job-resume", state))

	e := New(deps)
	outcome, err := e.Resume(context.Background(), "job-resume", nil)
	require.NoError(t, err)
	require.NotNil(t, outcome.MapState)

	assert.False(t, outcome.Cancelled)
	assert.Equal(t, 1, outcome.MapState.SuccessfulCount)
	assert.True(t, outcome.MapState.IsComplete)
	assert.Empty(t, outcome.MapState.Pending)
}

func TestPopulateMapMergeVarsDerivesFromPersistedAgentResults(t *testing.T) {
	state := &mapreduce.JobState{
		WorkItems: []mapreduce.WorkItem{{ItemID: "item_0"}, {ItemID: "item_1"}},
		AgentResults: map[string]mapreduce.AgentResult{
			"item_0": {ItemID: "item_0", Status: mapreduce.StatusSuccess, Commits: []string{"deadbeef"}},
			"item_1": {ItemID: "item_1", Status: mapreduce.StatusFailed},
		},
		FailedCount: 1,
		TotalCount:  2,
		Completed:   map[string]bool{"item_0": true, "item_1": true},
	}

	scope := variables.NewRootScope()
	populateMapMergeVars(scope, state, mapreduce.RunResult{})

	v, ok := scope.Get("merge.commit_count")
	require.True(t, ok)
	assert.Equal(t, float64(1), v.Native())

	v, ok = scope.Get("map.successful")
	require.True(t, ok)
	assert.Equal(t, float64(1), v.Native())

	v, ok = scope.Get("map.success_rate")
	require.True(t, ok)
	assert.InDelta(t, 50.0, v.Native().(float64), 0.001)

	v, ok = scope.Get("merge.file_count")
	require.True(t, ok)
	assert.Equal(t, float64(0), v.Native())
}
