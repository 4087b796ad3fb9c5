package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"conductor/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow-file>",
	Short: "Parse and validate a workflow file without running it",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	loader := workflow.NewLoader(".")
	wf, err := loader.LoadFile(filePath)
	if err != nil {
		if errors.Is(err, workflow.ErrValidation) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: invalid\n%s\n", filePath, err)
			return withExitCode(exitValidationError, err)
		}
		return withExitCode(exitArgumentError, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (mode=%s, checksum=%s)\n", filePath, wf.Definition.Mode, wf.Checksum)
	return nil
}
