package agent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamLineWritesWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	tr := &CLITransport{Stream: true, Stderr: &buf}
	tr.streamLine("hello")
	assert.Equal(t, "hello\n", buf.String())
}

func TestStreamLineNoopWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	tr := &CLITransport{Stream: false, Stderr: &buf}
	tr.streamLine("hello")
	assert.Empty(t, buf.String())
}

func TestStreamLineNoopOnEmptyString(t *testing.T) {
	var buf bytes.Buffer
	tr := &CLITransport{Stream: true, Stderr: &buf}
	tr.streamLine("")
	assert.Empty(t, buf.String())
}
