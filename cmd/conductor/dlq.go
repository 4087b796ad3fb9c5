package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"conductor/internal/dlq"
	"conductor/internal/gitops"
	"conductor/internal/interpolate"
	"conductor/internal/mapreduce"
	"conductor/internal/step"
	"conductor/internal/workflow"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay a job's dead-letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list <job-id>",
	Short: "List a job's dead-letter entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQList,
}

var (
	reprocessWorkflowFile string
	reprocessMaxParallel  int
	reprocessMaxAttempts  int
	reprocessStrategy     string
	reprocessFixedDelay   time.Duration
)

var dlqReprocessCmd = &cobra.Command{
	Use:   "reprocess <job-id>",
	Short: "Re-run a job's eligible dead-letter entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQReprocess,
}

func init() {
	dlqReprocessCmd.Flags().StringVar(&reprocessWorkflowFile, "workflow", "", "workflow file to recover the agent_template from (required)")
	dlqReprocessCmd.Flags().IntVar(&reprocessMaxParallel, "max-parallel", 1, "max entries reprocessed concurrently")
	dlqReprocessCmd.Flags().IntVar(&reprocessMaxAttempts, "max-attempts", 1, "attempts per entry within this reprocess run")
	dlqReprocessCmd.Flags().StringVar(&reprocessStrategy, "strategy", "immediate", "retry pacing: immediate, fixed_delay, or exponential_backoff")
	dlqReprocessCmd.Flags().DurationVar(&reprocessFixedDelay, "fixed-delay", 0, "delay used when --strategy=fixed_delay")
	_ = dlqReprocessCmd.MarkFlagRequired("workflow")
}

func runDLQList(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	store := newDLQStore()
	entries, err := store.List(jobID, dlq.Filter{})
	if err != nil {
		return withExitCode(exitGeneralError, err)
	}
	if len(entries) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no dead-letter entries for job %s\n", jobID)
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\tfailures=%d\tsignature=%s\teligible=%v\tmanual_review=%v\n",
			e.ItemID, e.FailureCount, e.ErrorSignature, e.ReprocessEligible, e.ManualReviewRequired)
	}
	stats, err := store.Stats(jobID)
	if err != nil {
		return withExitCode(exitGeneralError, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "total=%d eligible=%d manual_review=%d\n", stats.Total, stats.EligibleForReprocess, stats.ManualReviewRequired)
	return nil
}

func runDLQReprocess(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	loader := workflow.NewLoader(".")
	wf, err := loader.LoadFile(reprocessWorkflowFile)
	if err != nil {
		if errors.Is(err, workflow.ErrValidation) {
			return withExitCode(exitValidationError, err)
		}
		return withExitCode(exitArgumentError, err)
	}
	if wf.Definition.Map == nil || len(wf.Definition.Map.AgentTemplate) == 0 {
		return withExitCode(exitArgumentError, fmt.Errorf("%s has no map.agent_template to reprocess against", reprocessWorkflowFile))
	}

	strategy, err := parseRetryStrategy(reprocessStrategy, reprocessFixedDelay)
	if err != nil {
		return withExitCode(exitArgumentError, err)
	}

	var creds *gitops.Credentials
	if credentialsToken != "" || credentialsEnv != "" {
		creds = gitops.NewCredentials(credentialsToken, credentialsEnv)
	}
	worktrees := gitops.NewManager(parentRepo, gitops.WithTargetBranch(targetBranch), gitops.WithCredentials(creds))

	interp := interpolate.New(interpolate.ComputedResolver{Fs: afero.NewOsFs()})
	steps := step.NewExecutor(step.Deps{
		Commands:    newCommandExecutor(),
		Interpolate: interp,
		When:        step.NewEvaluator(),
	})
	runtime := mapreduce.NewAgentRuntime(worktrees, steps)

	store := newDLQStore()
	reprocessor := dlq.NewReprocessor(store, reprocessOwner())

	ctx, stop := signalContext()
	defer stop()

	result, err := reprocessor.Reprocess(ctx, jobID, dlq.Filter{}, dlq.Deps{
		Runtime:       runtime,
		AgentTemplate: wf.Definition.Map.AgentTemplate,
		Merge:         worktrees.Merge,
		MaxParallel:   reprocessMaxParallel,
		Strategy:      strategy,
		MaxAttempts:   reprocessMaxAttempts,
	})
	if err != nil {
		if errors.Is(err, dlq.ErrReprocessInProgress) {
			return withExitCode(exitGeneralError, err)
		}
		if ctx.Err() != nil {
			return withExitCode(exitInterruptedSignal, err)
		}
		return withExitCode(exitGeneralError, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d succeeded=%d failed=%d\n", result.Attempted, result.Succeeded, result.Failed)
	return nil
}

func parseRetryStrategy(kind string, fixedDelay time.Duration) (dlq.RetryStrategy, error) {
	switch dlq.RetryStrategyKind(kind) {
	case dlq.RetryImmediate, dlq.RetryFixedDelay, dlq.RetryExponentialBackoff:
		return dlq.RetryStrategy{Kind: dlq.RetryStrategyKind(kind), FixedDelay: fixedDelay}, nil
	default:
		return dlq.RetryStrategy{}, fmt.Errorf("unknown --strategy %q", kind)
	}
}
