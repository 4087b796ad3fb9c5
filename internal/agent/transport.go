package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Transport delegates one AI-agent command to an external coding assistant
// CLI and reports its outcome, per spec.md §4.3's "AI-agent command" variant.
// Grounded on station's internal/coding CLIBackend/ClaudeCodeBackend, which
// both shell out to a CLI binary and scan its streamed JSON events; this
// collapses the two into one configurable transport since their shapes were
// otherwise near-identical.
type Transport interface {
	RunTask(ctx context.Context, workDir, instruction string, timeout time.Duration) (*CommandResult, error)
}

// CLITransport runs an AI coding assistant CLI binary (e.g. "claude",
// "opencode") as a subprocess per invocation, scanning its streamed JSON
// event output for text/tool/usage events.
type CLITransport struct {
	BinaryPath      string
	ExtraArgs       []string
	Model           string
	AllowedTools    []string
	DisallowedTools []string
	// Stream tees each scanned text/tool event to Stderr as it arrives,
	// rather than only reporting the final result once the CLI exits
	// (spec.md §6.5's "claude streaming" flag).
	Stream bool
	Stderr io.Writer
	tracer trace.Tracer
}

// NewCLITransport creates a CLITransport for the given CLI binary.
func NewCLITransport(binaryPath string) *CLITransport {
	return &CLITransport{
		BinaryPath: binaryPath,
		tracer:     otel.Tracer("conductor.agent.cli"),
	}
}

type cliEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Part      json.RawMessage `json:"part,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

type cliTextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cliToolPart struct {
	Type  string `json:"type"`
	Tool  string `json:"tool"`
	State struct {
		Output string `json:"output"`
	} `json:"state"`
}

type cliResultPart struct {
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        *struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// RunTask runs the configured CLI binary against instruction in workDir,
// returning its final text as Stdout and a session log reference when the
// CLI reports one.
func (t *CLITransport) RunTask(ctx context.Context, workDir, instruction string, timeout time.Duration) (*CommandResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := t.tracer.Start(ctx, "agent.cli.task",
		trace.WithAttributes(
			attribute.String("agent.binary", t.BinaryPath),
			attribute.String("agent.workdir", workDir),
		),
	)
	defer span.End()

	args := append([]string{}, t.ExtraArgs...)
	args = append(args, "--output-format", "stream-json")
	if t.Model != "" {
		args = append(args, "--model", t.Model)
	}
	for _, tool := range t.AllowedTools {
		args = append(args, "--allowed-tools", tool)
	}
	for _, tool := range t.DisallowedTools {
		args = append(args, "--disallowed-tools", tool)
	}
	args = append(args, instruction)

	cmd := exec.CommandContext(ctx, t.BinaryPath, args...)
	cmd.Dir = workDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		span.RecordError(err)
		return nil, &Error{Op: "RunTask", Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		span.RecordError(err)
		return nil, &Error{Op: "RunTask", Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		return nil, &Error{Op: "RunTask", Err: fmt.Errorf("start: %w", err)}
	}

	var sessionID, finalText, errorMsg string
	var usage TokenUsage
	var toolCalls []ToolCall

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var event cliEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if event.SessionID != "" {
			sessionID = event.SessionID
		}
		switch event.Type {
		case "text", "assistant":
			var part cliTextPart
			if json.Unmarshal(event.Part, &part) == nil && part.Text != "" {
				finalText = part.Text
				t.streamLine(part.Text)
			}
		case "tool_use", "tool":
			var part cliToolPart
			if json.Unmarshal(event.Part, &part) == nil {
				toolCalls = append(toolCalls, ToolCall{Tool: part.Tool, Output: part.State.Output})
				t.streamLine(fmt.Sprintf("[tool] %s: %s", part.Tool, part.State.Output))
			}
		case "result":
			var result cliResultPart
			if json.Unmarshal(event.Result, &result) == nil {
				if result.Result != "" {
					finalText = result.Result
				}
				if result.IsError {
					errorMsg = result.Result
				}
				if result.Usage != nil {
					usage = TokenUsage{
						Input:      result.Usage.InputTokens,
						Output:     result.Usage.OutputTokens,
						CacheRead:  result.Usage.CacheReadInputTokens,
						CacheWrite: result.Usage.CacheCreationInputTokens,
					}
				}
			}
		case "error":
			errorMsg = string(event.Error)
		}
	}

	stderrBytes, _ := io.ReadAll(stderr)
	waitErr := cmd.Wait()
	duration := time.Since(start)

	for _, tc := range toolCalls {
		span.AddEvent("tool_call", trace.WithAttributes(attribute.String("tool.name", tc.Tool)))
	}
	span.SetAttributes(
		attribute.String("agent.session_id", sessionID),
		attribute.Int("agent.tool_calls", len(toolCalls)),
	)

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "timeout")
		return &CommandResult{Success: false, ExitCode: -1, Stderr: strings.TrimSpace(string(stderrBytes)), Duration: duration, LogRef: sessionID}, ErrCommandTimeout
	}

	if waitErr != nil {
		if errorMsg == "" {
			errorMsg = strings.TrimSpace(string(stderrBytes))
		}
		if errorMsg == "" {
			errorMsg = waitErr.Error()
		}
		span.RecordError(waitErr)
		span.SetStatus(codes.Error, errorMsg)
		return &CommandResult{
			Success: false, ExitCode: exitCodeOf(waitErr), Stdout: finalText, Stderr: errorMsg,
			Duration: duration, LogRef: sessionID, TokenUsage: usage,
		}, nil
	}

	span.SetStatus(codes.Ok, "")
	return &CommandResult{
		Success: true, ExitCode: 0, Stdout: finalText, Duration: duration,
		LogRef: sessionID, TokenUsage: usage,
	}, nil
}

// streamLine writes a line of agent output to t.Stderr (default os.Stderr)
// when Stream is enabled; a no-op otherwise.
func (t *CLITransport) streamLine(s string) {
	if !t.Stream || s == "" {
		return
	}
	w := t.Stderr
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintln(w, s)
}

func exitCodeOf(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
