package step

import (
	"time"

	"conductor/internal/agent"
)

// Kind discriminates the three step forms spec.md §3 allows in a step
// envelope: {shell command | AI-agent command | nested step list}.
type Kind string

const (
	KindShell  Kind = "shell"
	KindAgent  Kind = "agent"
	KindNested Kind = "nested"
)

// OnFailure is the recovery handler config attached to a step's on_failure
// field (spec.md §4.6).
type OnFailure struct {
	Steps       []Step `json:"steps,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	// FailWorkflow is the deprecated flag; the workflow loader always rejects
	// it with a migration hint, so it is never honored here.
	FailWorkflow bool   `json:"fail_workflow,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
}

// OnIncomplete is the recovery loop config for workflow-level validate
// (spec.md §4.7).
type OnIncomplete struct {
	Commands     []string `json:"commands,omitempty"`
	MaxAttempts  int      `json:"max_attempts,omitempty"`
	FailWorkflow bool     `json:"fail_workflow,omitempty"`
}

// Validate is the workflow-level validation config (spec.md §4.7,
// "Workflow-level validate").
type Validate struct {
	Command      string        `json:"command,omitempty"`
	Commands     []string      `json:"commands,omitempty"`
	ResultFile   string        `json:"result_file,omitempty"`
	Threshold    float64       `json:"threshold,omitempty"`
	OnIncomplete *OnIncomplete `json:"on_incomplete,omitempty"`
	// ResultSchema is an optional JSON Schema document (as a string) the
	// validation report must satisfy before the threshold check runs.
	ResultSchema string `json:"result_schema,omitempty"`
}

// StepValidate is the step-level validation config (spec.md §4.7,
// "Step-level step_validate").
type StepValidate struct {
	Commands                []string      `json:"commands,omitempty"`
	IgnoreValidationFailure bool          `json:"ignore_validation_failure,omitempty"`
	ValidationTimeout       time.Duration `json:"validation_timeout,omitempty"`
	SkipValidation          bool          `json:"skip_validation,omitempty"`
}

// Step is one workflow step: exactly one of Shell/Agent/Nested is populated
// according to Kind, plus the branching/capture/validation fields common to
// all three forms (spec.md §3, §4.6). JSON tags make Step checkpoint-safe
// (internal/checkpoint persists agent_template/reduce_commands verbatim).
type Step struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	Shell  string `json:"shell,omitempty"`  // shell command template, interpolated before dispatch
	Agent  string `json:"agent,omitempty"`  // AI-agent instruction template, interpolated before dispatch
	Nested []Step `json:"nested,omitempty"` // sequential sub-steps, stop at first non-recoverable failure

	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`

	Capture        string              `json:"capture,omitempty"`
	CaptureFormat  agent.CaptureFormat `json:"capture_format,omitempty"`
	CaptureStreams map[string]bool     `json:"capture_streams,omitempty"`

	CommitRequired bool   `json:"commit_required,omitempty"`
	When           string `json:"when,omitempty"`

	OnSuccess  *Step          `json:"on_success,omitempty"`
	OnFailure  *OnFailure     `json:"on_failure,omitempty"`
	OnExitCode map[int]*Step  `json:"on_exit_code,omitempty"`

	Validate     *Validate     `json:"validate,omitempty"`
	StepValidate *StepValidate `json:"step_validate,omitempty"`
}

// Status is the terminal state of a Result.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result is the outcome of running one Step.
type Result struct {
	Status   Status
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	LogRef   string
	Captured interface{}
	Commits  []string
	Err      error
}
