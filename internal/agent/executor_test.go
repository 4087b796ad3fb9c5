package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	result *CommandResult
	err    error
}

func (f *fakeTransport) RunTask(ctx context.Context, workDir, instruction string, timeout time.Duration) (*CommandResult, error) {
	return f.result, f.err
}

func TestParseCaptureString(t *testing.T) {
	v, err := ParseCapture(CaptureString, "hello\n")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", v)
}

func TestParseCaptureJSON(t *testing.T) {
	v, err := ParseCapture(CaptureJSON, `{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, v)
}

func TestParseCaptureJSONInvalid(t *testing.T) {
	_, err := ParseCapture(CaptureJSON, `not json`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCaptureParse)
}

func TestParseCaptureLines(t *testing.T) {
	v, err := ParseCapture(CaptureLines, "a\nb\nc\n")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, v)
}

func TestParseCaptureNumber(t *testing.T) {
	v, err := ParseCapture(CaptureNumber, "42\n")
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
}

func TestParseCaptureBoolean(t *testing.T) {
	v, err := ParseCapture(CaptureBoolean, "true\n")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestRunAgentCommandWithoutTransportFails(t *testing.T) {
	e := NewCommandExecutor(nil)
	_, err := e.RunAgentCommand(context.Background(), "/tmp", "do it", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestRunAgentCommandDelegatesToTransport(t *testing.T) {
	transport := &fakeTransport{result: &CommandResult{Success: true, Stdout: "done"}}
	e := NewCommandExecutor(transport)

	result, err := e.RunAgentCommand(context.Background(), "/tmp", "do it", time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "done", result.Stdout)
}

func TestRunAgentCommandPropagatesTransportError(t *testing.T) {
	transport := &fakeTransport{err: errors.New("boom")}
	e := NewCommandExecutor(transport)

	_, err := e.RunAgentCommand(context.Background(), "/tmp", "do it", time.Second)
	require.Error(t, err)
}
