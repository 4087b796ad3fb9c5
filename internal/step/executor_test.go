package step

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
	"conductor/internal/interpolate"
	"conductor/internal/variables"
)

// fakeTransport is a minimal agent.Transport fake for exercising the agent
// dispatch path without shelling out to a real CLI binary.
type fakeTransport struct {
	result *agent.CommandResult
	err    error
}

func (f *fakeTransport) RunTask(ctx context.Context, workDir, instruction string, timeout time.Duration) (*agent.CommandResult, error) {
	return f.result, f.err
}

func newTestExecutor() *Executor {
	interp := interpolate.New(interpolate.ComputedResolver{Fs: afero.NewMemMapFs()})
	return NewExecutor(Deps{
		Commands:    agent.NewCommandExecutor(nil),
		Interpolate: interp,
		When:        NewEvaluator(),
	})
}

func newTestScope() *variables.Scope {
	return variables.NewRootScope().NewChild()
}

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

func TestExecuteShellSuccessCapturesStdout(t *testing.T) {
	e := newTestExecutor()
	scope := newTestScope()

	st := Step{
		Name:          "greet",
		Kind:          KindShell,
		Shell:         "echo hello",
		Capture:       "greeting",
		CaptureFormat: agent.CaptureString,
	}

	result, err := e.Execute(context.Background(), st, RunContext{WorkDir: t.TempDir(), Scope: scope})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)

	v, ok := scope.Get("greeting")
	require.True(t, ok)
	assert.Equal(t, "hello\n", v.Raw)
}

func TestExecuteWhenFalseSkips(t *testing.T) {
	e := newTestExecutor()
	scope := newTestScope()
	scope.SetNative("item", map[string]interface{}{"priority": float64(1)})

	st := Step{
		Name:  "conditional",
		Kind:  KindShell,
		Shell: "echo should-not-run",
		When:  "item.priority > 2",
	}

	result, err := e.Execute(context.Background(), st, RunContext{WorkDir: t.TempDir(), Scope: scope})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)
}

func TestExecuteCommitRequiredNoCommitsFails(t *testing.T) {
	e := newTestExecutor()
	scope := newTestScope()
	dir := initGitRepo(t)

	st := Step{
		Name:           "noop",
		Kind:           KindShell,
		Shell:          "true",
		CommitRequired: true,
	}

	result, _ := e.Execute(context.Background(), st, RunContext{WorkDir: dir, Scope: scope, AgentID: "a1", ItemID: "item_0"})
	assert.Equal(t, StatusFailed, result.Status)
	require.Error(t, result.Err)
}

func TestExecuteCommitRequiredWithCommitSucceeds(t *testing.T) {
	e := newTestExecutor()
	scope := newTestScope()
	dir := initGitRepo(t)

	st := Step{
		Name:           "commit-something",
		Kind:           KindShell,
		Shell:          "echo data > out.txt && git add . && git commit -m work",
		CommitRequired: true,
	}

	result, err := e.Execute(context.Background(), st, RunContext{WorkDir: dir, Scope: scope, AgentID: "a1", ItemID: "item_0"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Len(t, result.Commits, 1)
}

func TestExecuteOnFailureRecoversThenRetrySucceeds(t *testing.T) {
	e := newTestExecutor()
	scope := newTestScope()
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")

	st := Step{
		Name:  "needs-marker",
		Kind:  KindShell,
		Shell: "test -f " + marker,
		OnFailure: &OnFailure{
			Steps:       []Step{{Name: "make-marker", Kind: KindShell, Shell: "touch " + marker}},
			MaxAttempts: 1,
		},
	}

	result, err := e.Execute(context.Background(), st, RunContext{WorkDir: dir, Scope: scope})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
}

func TestExecuteOnExitCodeBranch(t *testing.T) {
	e := newTestExecutor()
	scope := newTestScope()

	st := Step{
		Name:  "exit-two",
		Kind:  KindShell,
		Shell: "exit 2",
		OnExitCode: map[int]*Step{
			2: {Name: "handle-two", Kind: KindShell, Shell: "echo handled", Capture: "note", CaptureFormat: agent.CaptureString},
		},
	}

	result, err := e.Execute(context.Background(), st, RunContext{WorkDir: t.TempDir(), Scope: scope})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)

	v, ok := scope.Get("note")
	require.True(t, ok)
	assert.Equal(t, "handled\n", v.Raw)
}

func TestExecuteStepValidateFailurePropagates(t *testing.T) {
	e := newTestExecutor()
	scope := newTestScope()

	st := Step{
		Name:  "with-validation",
		Kind:  KindShell,
		Shell: "true",
		StepValidate: &StepValidate{
			Commands: []string{"false"},
		},
	}

	result, err := e.Execute(context.Background(), st, RunContext{WorkDir: t.TempDir(), Scope: scope})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestExecuteStepValidateIgnoredWhenConfigured(t *testing.T) {
	e := newTestExecutor()
	scope := newTestScope()

	st := Step{
		Name:  "with-ignored-validation",
		Kind:  KindShell,
		Shell: "true",
		StepValidate: &StepValidate{
			Commands:                []string{"false"},
			IgnoreValidationFailure: true,
		},
	}

	result, err := e.Execute(context.Background(), st, RunContext{WorkDir: t.TempDir(), Scope: scope})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
}

func TestExecuteWorkflowValidateResultSchemaRejectsMalformedReport(t *testing.T) {
	e := newTestExecutor()
	scope := newTestScope()

	st := Step{
		Name:  "check-coverage",
		Kind:  KindShell,
		Shell: "true",
		Validate: &Validate{
			Commands:     []string{`echo '{"completion_percentage": 100}'`},
			Threshold:    100,
			ResultSchema: `{"type":"object","properties":{"completion_percentage":{"type":"number"},"status":{"type":"string"}},"required":["completion_percentage","status"]}`,
		},
	}

	result, err := e.Execute(context.Background(), st, RunContext{WorkDir: t.TempDir(), Scope: scope})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationSchemaFailed)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestExecuteWorkflowValidateResultSchemaAcceptsWellFormedReport(t *testing.T) {
	e := newTestExecutor()
	scope := newTestScope()

	st := Step{
		Name:  "check-coverage",
		Kind:  KindShell,
		Shell: "true",
		Validate: &Validate{
			Commands:     []string{`echo '{"completion_percentage": 100}'`},
			Threshold:    100,
			ResultSchema: `{"type":"object","properties":{"completion_percentage":{"type":"number"}},"required":["completion_percentage"]}`,
		},
	}

	result, err := e.Execute(context.Background(), st, RunContext{WorkDir: t.TempDir(), Scope: scope})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
}

func TestExecuteNestedStopsAtFirstFailure(t *testing.T) {
	e := newTestExecutor()
	scope := newTestScope()

	st := Step{
		Name: "sequence",
		Kind: KindNested,
		Nested: []Step{
			{Name: "ok", Kind: KindShell, Shell: "echo one", Capture: "first", CaptureFormat: agent.CaptureString},
			{Name: "boom", Kind: KindShell, Shell: "exit 1"},
			{Name: "never", Kind: KindShell, Shell: "echo two", Capture: "second", CaptureFormat: agent.CaptureString},
		},
	}

	result, err := e.Execute(context.Background(), st, RunContext{WorkDir: t.TempDir(), Scope: scope})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, result.Status)

	_, ok := scope.Get("second")
	assert.False(t, ok)
}

func TestExecuteAgentDispatchViaTransport(t *testing.T) {
	transport := &fakeTransport{result: &agent.CommandResult{Success: true, Stdout: "agent-did-it"}}
	interp := interpolate.New(interpolate.ComputedResolver{Fs: afero.NewMemMapFs()})
	e := NewExecutor(Deps{
		Commands:    agent.NewCommandExecutor(transport),
		Interpolate: interp,
		When:        NewEvaluator(),
	})
	scope := newTestScope()

	st := Step{
		Name:          "ask-agent",
		Kind:          KindAgent,
		Agent:         "do the task",
		Capture:       "response",
		CaptureFormat: agent.CaptureString,
	}

	result, err := e.Execute(context.Background(), st, RunContext{WorkDir: t.TempDir(), Scope: scope})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)

	v, ok := scope.Get("response")
	require.True(t, ok)
	assert.Equal(t, "agent-did-it", v.Raw)
}
