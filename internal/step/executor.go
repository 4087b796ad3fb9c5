package step

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"conductor/internal/agent"
	"conductor/internal/gitops"
	"conductor/internal/interpolate"
	"conductor/internal/variables"
)

// Deps are the collaborators an Executor dispatches to; split out so tests
// can supply fakes, matching station's ExecutorRegistry dependency-injection
// shape (runtime/executor.go).
type Deps struct {
	Commands    *agent.CommandExecutor
	Interpolate *interpolate.Engine
	When        *Evaluator
}

// RunContext is the per-invocation state an Executor needs beyond the Step
// itself: the working directory a command runs in, the variable scope it
// reads/writes, and identifiers used in CommitValidationFailedError.
type RunContext struct {
	WorkDir   string
	Scope     *variables.Scope
	AgentID   string
	ItemID    string
	StepIndex int
	DryRun    bool
}

// Executor runs exactly one Step against a RunContext (spec.md §4.6).
type Executor struct {
	deps Deps
}

// NewExecutor creates a step Executor.
func NewExecutor(deps Deps) *Executor {
	return &Executor{deps: deps}
}

// Execute runs st per the StepExecutor algorithm: when -> interpolate ->
// snapshot HEAD -> dispatch -> capture -> validate commits -> branch ->
// validation subsystem.
func (e *Executor) Execute(ctx context.Context, st Step, rc RunContext) (Result, error) {
	if st.When != "" {
		ok, err := e.deps.When.EvaluateWhen(st.When, rc.Scope.Dump())
		if err != nil {
			return Result{Status: StatusFailed, Err: err}, &Error{Op: "when", Name: st.Name, Err: err}
		}
		if !ok {
			return Result{Status: StatusSkipped}, nil
		}
	}

	interp, err := e.interpolateStep(st, rc.Scope)
	if err != nil {
		return Result{Status: StatusFailed, Err: err}, &Error{Op: "interpolate", Name: st.Name, Err: err}
	}

	var baseCommit string
	if st.CommitRequired {
		baseCommit, err = gitops.HeadOf(ctx, rc.WorkDir)
		if err != nil {
			return Result{Status: StatusFailed, Err: err}, &Error{Op: "snapshot HEAD", Name: st.Name, Err: err}
		}
	}

	var result Result
	if st.Kind == KindNested {
		result, err = e.executeNested(ctx, st, rc)
		if err != nil {
			result.Status = StatusFailed
			result.Err = err
		}
	} else {
		out, dispatchErr := e.dispatch(ctx, st.Kind, interp, rc)
		result = Result{
			Status:   statusFor(out.success),
			ExitCode: out.exitCode,
			Stdout:   out.stdout,
			Stderr:   out.stderr,
			Duration: out.duration,
			LogRef:   out.logRef,
		}
		switch {
		case dispatchErr != nil:
			result.Status = StatusFailed
			result.Err = dispatchErr
		case !out.success:
			result.Err = fmt.Errorf("step: %s: command exited %d", st.Name, out.exitCode)
		}

		if interp.Capture != "" {
			captured, perr := agent.ParseCapture(st.CaptureFormat, out.stdout)
			if perr != nil {
				result.Status = StatusFailed
				result.Err = perr
			} else {
				result.Captured = captured
				sidecars := variables.CaptureSidecars{
					Stdout:   out.stdout,
					Stderr:   out.stderr,
					ExitCode: out.exitCode,
					Success:  out.success,
					Duration: out.duration.Seconds(),
				}
				rc.Scope.SetCapture(interp.Capture, variables.FromNative(captured), sidecars, st.CaptureStreams)
			}
		}
	}

	if st.CommitRequired {
		cv, cerr := gitops.ValidateStepCommits(ctx, rc.WorkDir, baseCommit, rc.AgentID, rc.ItemID, interp.commandForValidation(), rc.StepIndex)
		if cerr != nil {
			result.Status = StatusFailed
			result.Err = cerr
		} else {
			result.Commits = cv.Commits
		}
	}

	result = e.branch(ctx, st, rc, result)

	if result.Status != StatusSkipped {
		result = e.runValidation(ctx, st, rc, result)
	}

	return result, result.Err
}

// interpolatedStep holds the post-interpolation copy of a Step's string
// fields; kept distinct from Step so the original workflow-authored template
// is never mutated.
type interpolatedStep struct {
	Shell   string
	Agent   string
	Env     map[string]string
	Capture string
}

func (s interpolatedStep) commandForValidation() string {
	if s.Shell != "" {
		return s.Shell
	}
	return s.Agent
}

func (e *Executor) interpolateStep(st Step, scope *variables.Scope) (interpolatedStep, error) {
	var out interpolatedStep
	var err error

	if st.Shell != "" {
		if out.Shell, err = e.interpolateString(st.Shell, scope); err != nil {
			return out, err
		}
	}
	if st.Agent != "" {
		if out.Agent, err = e.interpolateString(st.Agent, scope); err != nil {
			return out, err
		}
	}
	if st.Capture != "" {
		if out.Capture, err = e.interpolateString(st.Capture, scope); err != nil {
			return out, err
		}
	}
	if len(st.Env) > 0 {
		out.Env = make(map[string]string, len(st.Env))
		for k, v := range st.Env {
			rv, ierr := e.interpolateString(v, scope)
			if ierr != nil {
				return out, ierr
			}
			out.Env[k] = rv
		}
	}
	return out, nil
}

func (e *Executor) interpolateString(s string, scope *variables.Scope) (string, error) {
	res, err := e.deps.Interpolate.Interpolate(s, scope)
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

type outcome struct {
	success  bool
	exitCode int
	stdout   string
	stderr   string
	duration time.Duration
	logRef   string
}

func (e *Executor) dispatch(ctx context.Context, kind Kind, interp interpolatedStep, rc RunContext) (outcome, error) {
	switch kind {
	case KindShell:
		spec := agent.ShellSpec{
			Command: interp.Shell,
			WorkDir: rc.WorkDir,
			Env:     envSlice(interp.Env),
		}
		res, err := e.deps.Commands.RunShellCommand(ctx, spec)
		if res == nil {
			return outcome{}, err
		}
		return outcomeFromCommandResult(res), err

	case KindAgent:
		res, err := e.deps.Commands.RunAgentCommand(ctx, rc.WorkDir, interp.Agent, 0)
		if res == nil {
			return outcome{}, err
		}
		return outcomeFromCommandResult(res), err

	default:
		return outcome{}, ErrUnknownKind
	}
}

func outcomeFromCommandResult(r *agent.CommandResult) outcome {
	return outcome{
		success:  r.Success,
		exitCode: r.ExitCode,
		stdout:   r.Stdout,
		stderr:   r.Stderr,
		duration: r.Duration,
		logRef:   r.LogRef,
	}
}

func envSlice(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

func statusFor(success bool) Status {
	if success {
		return StatusSuccess
	}
	return StatusFailed
}

// executeNested runs a Nested step's sub-steps sequentially, stopping at the
// first non-recoverable (failed) sub-step, per spec.md §4.8 step 3's "drive
// sequentially" idiom scoped down to a single step's sub-list.
func (e *Executor) executeNested(ctx context.Context, st Step, rc RunContext) (Result, error) {
	if len(st.Nested) == 0 {
		return Result{Status: StatusFailed}, ErrNestedEmpty
	}
	var last Result
	for i, sub := range st.Nested {
		childRC := rc
		childRC.StepIndex = rc.StepIndex + i + 1
		res, err := e.Execute(ctx, sub, childRC)
		last = res
		if res.Status == StatusFailed {
			return last, err
		}
	}
	return last, nil
}

// branch implements spec.md §4.6 step 7: on_exit_code is checked
// independently of the success bit; success/failure branching applies
// otherwise.
func (e *Executor) branch(ctx context.Context, st Step, rc RunContext, result Result) Result {
	if st.OnExitCode != nil {
		if branchStep, ok := st.OnExitCode[result.ExitCode]; ok {
			branchResult, err := e.Execute(ctx, *branchStep, rc)
			branchResult.Err = err
			return branchResult
		}
	}

	switch result.Status {
	case StatusSuccess:
		if st.OnSuccess != nil {
			sub, err := e.Execute(ctx, *st.OnSuccess, rc)
			sub.Err = err
			return sub
		}
		return result

	case StatusFailed:
		if st.OnFailure != nil {
			return e.runOnFailure(ctx, st, rc)
		}
		return result

	default:
		return result
	}
}

// runOnFailure drives the recovery steps declared in st.OnFailure, then
// retries the original step (with on_failure cleared, to bound recursion),
// up to max_attempts (spec.md §4.6, "on_failure handler config").
func (e *Executor) runOnFailure(ctx context.Context, st Step, rc RunContext) Result {
	of := st.OnFailure
	maxAttempts := of.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var last Result
	for attempt := 0; attempt < maxAttempts; attempt++ {
		for _, recoveryStep := range of.Steps {
			res, err := e.Execute(ctx, recoveryStep, rc)
			if err != nil && res.Status == StatusFailed {
				return res
			}
		}

		retry := st
		retry.OnFailure = nil
		res, err := e.Execute(ctx, retry, rc)
		last = res
		if err == nil && res.Status == StatusSuccess {
			return res
		}
	}

	last.Err = fmt.Errorf("%w: %s", ErrRecoveryExhausted, st.Name)
	last.Status = StatusFailed
	return last
}

// runValidation implements spec.md §4.7's two validation variants, applied
// after a step's success/failure branch has already been decided.
func (e *Executor) runValidation(ctx context.Context, st Step, rc RunContext, result Result) Result {
	if st.StepValidate != nil && result.Status == StatusSuccess {
		if err := e.runStepValidate(ctx, st.StepValidate, rc); err != nil {
			if !st.StepValidate.IgnoreValidationFailure {
				result.Status = StatusFailed
				result.Err = err
			}
		}
	}

	if st.Validate != nil {
		if err := e.runWorkflowValidate(ctx, st.Validate, rc); err != nil {
			result.Status = StatusFailed
			result.Err = err
		}
	}

	return result
}

func (e *Executor) runStepValidate(ctx context.Context, sv *StepValidate, rc RunContext) error {
	if sv.SkipValidation {
		return nil
	}
	if rc.DryRun {
		return nil
	}

	for _, cmd := range sv.Commands {
		interpolated, err := e.interpolateString(cmd, rc.Scope)
		if err != nil {
			return err
		}
		cctx := ctx
		var cancel context.CancelFunc
		if sv.ValidationTimeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, sv.ValidationTimeout)
		}
		res, err := e.deps.Commands.RunShellCommand(cctx, agent.ShellSpec{
			Command: interpolated,
			WorkDir: rc.WorkDir,
			Timeout: sv.ValidationTimeout,
		})
		if cancel != nil {
			cancel()
		}
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("%w: %q exited %d", ErrStepValidationFailed, interpolated, res.ExitCode)
		}
	}
	return nil
}

// validationReport is the {completion_percentage, missing} document produced
// by a workflow-level validate command, parsed from stdout or result_file.
type validationReport struct {
	CompletionPercentage float64       `json:"completion_percentage"`
	Missing              []interface{} `json:"missing"`
}

func (e *Executor) runWorkflowValidate(ctx context.Context, v *Validate, rc RunContext) error {
	if rc.DryRun {
		return nil
	}

	commands := v.Commands
	if len(commands) == 0 && v.Command != "" {
		commands = []string{v.Command}
	}

	report, rawReport, err := e.runValidationCommands(ctx, commands, v.ResultFile, rc)
	if err != nil {
		return err
	}

	if v.ResultSchema != "" {
		if err := validateResultSchema(v.ResultSchema, rawReport); err != nil {
			return fmt.Errorf("%w: %v", ErrValidationSchemaFailed, err)
		}
	}

	threshold := v.Threshold
	if threshold == 0 {
		threshold = 100
	}

	attempts := 0
	maxAttempts := 1
	failWorkflow := false
	if v.OnIncomplete != nil {
		maxAttempts = v.OnIncomplete.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		failWorkflow = v.OnIncomplete.FailWorkflow
	}

	for report.CompletionPercentage < threshold && attempts < maxAttempts {
		attempts++
		if v.OnIncomplete == nil {
			break
		}
		for _, cmd := range v.OnIncomplete.Commands {
			interpolated, ierr := e.interpolateString(cmd, rc.Scope)
			if ierr != nil {
				return ierr
			}
			if _, rerr := e.deps.Commands.RunShellCommand(ctx, agent.ShellSpec{Command: interpolated, WorkDir: rc.WorkDir}); rerr != nil {
				return rerr
			}
		}
		report, rawReport, err = e.runValidationCommands(ctx, commands, v.ResultFile, rc)
		if err != nil {
			return err
		}
		if v.ResultSchema != "" {
			if err := validateResultSchema(v.ResultSchema, rawReport); err != nil {
				return fmt.Errorf("%w: %v", ErrValidationSchemaFailed, err)
			}
		}
	}

	if report.CompletionPercentage < threshold && failWorkflow {
		return fmt.Errorf("%w: %.1f%% < %.1f%% (missing: %v)", ErrValidationIncomplete, report.CompletionPercentage, threshold, report.Missing)
	}
	return nil
}

func (e *Executor) runValidationCommands(ctx context.Context, commands []string, resultFile string, rc RunContext) (validationReport, []byte, error) {
	var lastStdout string
	for _, cmd := range commands {
		interpolated, err := e.interpolateString(cmd, rc.Scope)
		if err != nil {
			return validationReport{}, nil, err
		}
		res, err := e.deps.Commands.RunShellCommand(ctx, agent.ShellSpec{Command: interpolated, WorkDir: rc.WorkDir})
		if err != nil {
			return validationReport{}, nil, err
		}
		lastStdout = res.Stdout
	}

	if resultFile != "" {
		path, err := e.interpolateString(resultFile, rc.Scope)
		if err != nil {
			return validationReport{}, nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return validationReport{}, nil, fmt.Errorf("step: read result_file %s: %w", path, err)
		}
		report, err := decodeValidationReport(data)
		return report, data, err
	}

	data := []byte(lastStdout)
	report, err := decodeValidationReport(data)
	return report, data, err
}

// validateResultSchema checks a validation report document against an
// author-supplied JSON Schema, grounded on station's
// pkg/schema/export_helper.go ValidateInputSchema use of gojsonschema.
func validateResultSchema(schemaDoc string, document []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(schemaDoc)
	docLoader := gojsonschema.NewBytesLoader(document)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("step: compile result_schema: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return fmt.Errorf("result document failed schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func decodeValidationReport(data []byte) (validationReport, error) {
	var report validationReport
	if err := json.Unmarshal(data, &report); err != nil {
		return validationReport{}, fmt.Errorf("step: parse validation report: %w", err)
	}
	return report, nil
}
