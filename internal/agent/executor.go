package agent

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// CommandExecutor runs one command — shell or AI-agent — and produces a
// CommandResult, per spec.md §4.3.
type CommandExecutor struct {
	Transport Transport
}

// NewCommandExecutor creates a CommandExecutor. transport may be nil if the
// workflow never declares an agent: command.
func NewCommandExecutor(transport Transport) *CommandExecutor {
	return &CommandExecutor{Transport: transport}
}

// RunShellCommand executes a shell command variant.
func (e *CommandExecutor) RunShellCommand(ctx context.Context, spec ShellSpec) (*CommandResult, error) {
	return RunShell(ctx, spec)
}

// RunAgentCommand executes an AI-agent command variant by delegating to the
// configured Transport.
func (e *CommandExecutor) RunAgentCommand(ctx context.Context, workDir, instruction string, timeout time.Duration) (*CommandResult, error) {
	if e.Transport == nil {
		return nil, &Error{Op: "RunAgentCommand", Err: ErrNoTransport}
	}
	return e.Transport.RunTask(ctx, workDir, instruction, timeout)
}

// ParseCapture converts a command's stdout into a typed value per
// capture_format (spec.md §4.3's capture policy).
func ParseCapture(format CaptureFormat, stdout string) (interface{}, error) {
	switch format {
	case "", CaptureString:
		return stdout, nil
	case CaptureJSON:
		var v interface{}
		if err := json.Unmarshal([]byte(stdout), &v); err != nil {
			return nil, &Error{Op: "ParseCapture", Err: ErrCaptureParse}
		}
		return v, nil
	case CaptureLines:
		trimmed := strings.TrimRight(stdout, "\n")
		if trimmed == "" {
			return []interface{}{}, nil
		}
		lines := strings.Split(trimmed, "\n")
		out := make([]interface{}, len(lines))
		for i, l := range lines {
			out[i] = l
		}
		return out, nil
	case CaptureNumber:
		n, err := strconv.ParseFloat(strings.TrimSpace(stdout), 64)
		if err != nil {
			return nil, &Error{Op: "ParseCapture", Err: ErrCaptureParse}
		}
		return n, nil
	case CaptureBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(stdout))
		if err != nil {
			return nil, &Error{Op: "ParseCapture", Err: ErrCaptureParse}
		}
		return b, nil
	default:
		return nil, &Error{Op: "ParseCapture", Err: ErrCaptureParse}
	}
}
