package agent

import "time"

// CaptureFormat selects how CommandResult.Stdout is parsed into a captured
// variable value (spec.md §4.3).
type CaptureFormat string

const (
	CaptureString  CaptureFormat = "string"
	CaptureJSON    CaptureFormat = "json"
	CaptureLines   CaptureFormat = "lines"
	CaptureNumber  CaptureFormat = "number"
	CaptureBoolean CaptureFormat = "boolean"
)

// CommandResult is the uniform outcome of running one shell command or one
// AI-agent command (spec.md §4.3).
type CommandResult struct {
	Success    bool
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
	LogRef     string // optional_log_ref: path to a session/streaming log, if any
	TokenUsage TokenUsage
}

// TokenUsage mirrors an AI-agent command's reported token accounting, carried
// through to events/telemetry when available; zero for shell commands.
type TokenUsage struct {
	Input      int
	Output     int
	Reasoning  int
	CacheRead  int
	CacheWrite int
}

// ToolCall records one tool invocation an AI-agent command's underlying CLI
// reported while servicing the task, kept for diagnostics/log_ref purposes.
type ToolCall struct {
	Tool     string
	Output   string
	Duration time.Duration
}
