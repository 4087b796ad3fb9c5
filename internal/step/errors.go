package step

import "errors"

var (
	// ErrUnknownKind is returned when a Step's Kind doesn't match one of
	// Shell/Agent/Nested.
	ErrUnknownKind = errors.New("step: unknown step kind")
	// ErrNestedEmpty is returned for a Nested step with no sub-steps.
	ErrNestedEmpty = errors.New("step: nested step has no sub-steps")
	// ErrValidationIncomplete is returned when workflow-level validation
	// never reaches its completion threshold within on_incomplete's attempt
	// budget and fail_workflow is set.
	ErrValidationIncomplete = errors.New("step: validation did not reach completion threshold")
	// ErrStepValidationFailed is returned when one or more step_validate
	// commands exit non-zero and ignore_validation_failure is not set.
	ErrStepValidationFailed = errors.New("step: step validation failed")
	// ErrRecoveryExhausted is returned when on_failure's recovery steps run
	// out of max_attempts without the original step succeeding.
	ErrRecoveryExhausted = errors.New("step: on_failure recovery exhausted")
	// ErrValidationSchemaFailed is returned when a workflow-level validate's
	// result document fails its optional JSON Schema (result_schema).
	ErrValidationSchemaFailed = errors.New("step: validation result failed schema check")
)

// Error wraps a step-execution failure with the step name for diagnostics,
// mirroring the *Error{Op, ..., Err} shape used across the other packages.
type Error struct {
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Name != "" {
		return "step: " + e.Op + " " + e.Name + ": " + e.Err.Error()
	}
	return "step: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
