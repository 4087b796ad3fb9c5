package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect a job's checkpoint history",
}

var keepFlag int

var checkpointsListCmd = &cobra.Command{
	Use:   "list <job-id>",
	Short: "List a job's checkpoint versions",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsList,
}

var checkpointsPruneCmd = &cobra.Command{
	Use:   "prune <job-id>",
	Short: "Delete all but the most recent checkpoint versions",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsPrune,
}

func init() {
	checkpointsPruneCmd.Flags().IntVar(&keepFlag, "keep", 1, "number of most recent checkpoint versions to retain")
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	store := newCheckpointStore()
	versions, err := store.List(jobID)
	if err != nil {
		return withExitCode(exitGeneralError, err)
	}
	if len(versions) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no checkpoints found for job %s\n", jobID)
		return nil
	}
	for _, v := range versions {
		fmt.Fprintf(cmd.OutOrStdout(), "checkpoint-v%d\n", v)
	}
	return nil
}

func runCheckpointsPrune(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	store := newCheckpointStore()
	if err := store.Prune(jobID, keepFlag); err != nil {
		return withExitCode(exitGeneralError, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned job %s, keeping %d most recent checkpoint(s)\n", jobID, keepFlag)
	return nil
}
