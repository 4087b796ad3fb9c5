package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"conductor/internal/executor"
	"conductor/internal/workflow"
)

var (
	jobID   string
	varFlag []string
)

var runCmd = &cobra.Command{
	Use:   "run <workflow-file>",
	Short: "Run a workflow file from scratch",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a checkpointed job",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	runCmd.Flags().StringVar(&jobID, "job-id", "", "job id to assign (default: a generated uuid)")
	runCmd.Flags().StringArrayVar(&varFlag, "var", nil, "initial variable in key=value form, repeatable")
	resumeCmd.Flags().StringArrayVar(&varFlag, "var", nil, "initial variable in key=value form, repeatable")
}

func parseVars(pairs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		key, value, ok := splitKV(p)
		if !ok {
			return nil, fmt.Errorf("--var %q must be in key=value form", p)
		}
		out[key] = value
	}
	return out, nil
}

func splitKV(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	loader := workflow.NewLoader(".")
	wf, err := loader.LoadFile(filePath)
	if err != nil {
		if errors.Is(err, workflow.ErrValidation) {
			return withExitCode(exitValidationError, err)
		}
		return withExitCode(exitArgumentError, err)
	}

	id := jobID
	if id == "" {
		id = uuid.NewString()
	}

	initialVars, err := parseVars(varFlag)
	if err != nil {
		return withExitCode(exitArgumentError, err)
	}

	ctx, stop := signalContext()
	defer stop()

	e := newExecutor()
	outcome, err := e.Run(ctx, wf.Definition, id, initialVars)
	if err != nil {
		if ctx.Err() != nil {
			return withExitCode(exitInterruptedSignal, err)
		}
		return withExitCode(exitGeneralError, err)
	}

	return reportOutcome(cmd, outcome)
}

func runResume(cmd *cobra.Command, args []string) error {
	id := args[0]

	initialVars, err := parseVars(varFlag)
	if err != nil {
		return withExitCode(exitArgumentError, err)
	}

	ctx, stop := signalContext()
	defer stop()

	e := newExecutor()
	outcome, err := e.Resume(ctx, id, initialVars)
	if err != nil {
		if ctx.Err() != nil {
			return withExitCode(exitInterruptedSignal, err)
		}
		return withExitCode(exitGeneralError, err)
	}

	return reportOutcome(cmd, outcome)
}

// reportOutcome prints a one-line summary of a Run/Resume outcome and maps
// a cancelled outcome to exitInterruptedSignal even though Run/Resume
// themselves returned no error (a continue_on_failure=false cancellation is
// reported as a nil error with Outcome.Cancelled set).
func reportOutcome(cmd *cobra.Command, outcome executor.Outcome) error {
	if outcome.Cancelled {
		fmt.Fprintf(cmd.OutOrStdout(), "job %s cancelled\n", outcome.JobID)
		return withExitCode(exitInterruptedSignal, fmt.Errorf("job %s cancelled", outcome.JobID))
	}

	if outcome.MapState == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "job %s completed (simple workflow, no map phase)\n", outcome.JobID)
		return nil
	}

	state := outcome.MapState
	fmt.Fprintf(cmd.OutOrStdout(), "job %s: %d/%d succeeded, %d failed, complete=%v\n",
		outcome.JobID, state.SuccessfulCount, state.TotalCount, state.FailedCount, state.IsComplete)
	if outcome.ReduceOutput != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "reduce output: %v\n", outcome.ReduceOutput)
	}
	return nil
}
