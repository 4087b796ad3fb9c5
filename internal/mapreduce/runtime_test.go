package mapreduce

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/agent"
	"conductor/internal/gitops"
	"conductor/internal/interpolate"
	"conductor/internal/step"
	"conductor/internal/variables"
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

func newTestRuntime(parentRepo string) *AgentRuntime {
	worktrees := gitops.NewManager(parentRepo)
	interp := interpolate.New(interpolate.ComputedResolver{Fs: afero.NewMemMapFs()})
	steps := step.NewExecutor(step.Deps{
		Commands:    agent.NewCommandExecutor(nil),
		Interpolate: interp,
		When:        step.NewEvaluator(),
	})
	return NewAgentRuntime(worktrees, steps)
}

func TestAgentRuntimeRunSuccessAccumulatesCommits(t *testing.T) {
	repo := initGitRepo(t)
	rt := newTestRuntime(repo)
	scope := variables.NewRootScope()

	in := RunInput{
		JobID: "job1",
		Item:  WorkItem{ItemID: "item_0", Value: map[string]interface{}{"name": "alpha"}},
		ItemIndex:   0,
		ItemTotal:   1,
		ParentScope: scope,
		AgentTemplate: []step.Step{
			{
				Name:           "write-file",
				Kind:           step.KindShell,
				Shell:          "echo ${item.name} > out.txt && git add . && git commit -m work",
				CommitRequired: true,
			},
		},
	}

	result, wt := rt.Run(context.Background(), in)
	require.NotNil(t, wt)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "item_0", result.ItemID)
	assert.Len(t, result.Commits, 1)
	assert.Equal(t, wt.ID, result.WorktreeID)
}

func TestAgentRuntimeRunFailureStopsAtFirstBadStep(t *testing.T) {
	repo := initGitRepo(t)
	rt := newTestRuntime(repo)
	scope := variables.NewRootScope()

	in := RunInput{
		JobID: "job1",
		Item:  WorkItem{ItemID: "item_1"},
		ItemTotal:   1,
		ParentScope: scope,
		AgentTemplate: []step.Step{
			{Name: "boom", Kind: step.KindShell, Shell: "exit 1"},
			{Name: "never", Kind: step.KindShell, Shell: "echo should-not-run", Capture: "note", CaptureFormat: agent.CaptureString},
		},
	}

	result, wt := rt.Run(context.Background(), in)
	require.NotNil(t, wt)
	assert.Equal(t, StatusFailed, result.Status)
	assert.NotEmpty(t, result.Reason)

	_, ok := scope.Get("note")
	assert.False(t, ok, "step after the failing one must never run")
}

func TestAgentRuntimeRunTimeoutClassifiesAsTimeout(t *testing.T) {
	repo := initGitRepo(t)
	rt := newTestRuntime(repo)
	scope := variables.NewRootScope()

	in := RunInput{
		JobID: "job1",
		Item:  WorkItem{ItemID: "item_2"},
		ItemTotal:   1,
		ParentScope: scope,
		Timeout:     20 * time.Millisecond,
		AgentTemplate: []step.Step{
			{Name: "slow", Kind: step.KindShell, Shell: "sleep 1"},
		},
	}

	result, wt := rt.Run(context.Background(), in)
	require.NotNil(t, wt)
	assert.Equal(t, StatusTimeout, result.Status)
}

func TestAgentRuntimeSeedsItemScope(t *testing.T) {
	repo := initGitRepo(t)
	rt := newTestRuntime(repo)
	scope := variables.NewRootScope()

	in := RunInput{
		JobID:       "job1",
		Item:        WorkItem{ItemID: "item_3", Value: map[string]interface{}{"title": "fix bug"}},
		ItemIndex:   2,
		ItemTotal:   5,
		ParentScope: scope,
		AgentTemplate: []step.Step{
			{
				Name:          "echo-fields",
				Kind:          step.KindShell,
				Shell:         "echo ${item_id}:${item_index}:${item_total}:${item.title}",
				Capture:       "seen",
				CaptureFormat: agent.CaptureString,
			},
		},
	}

	result, _ := rt.Run(context.Background(), in)
	require.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "item_3:2:5:fix bug\n", result.Output)
}
