package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/dlq"
)

func TestParseVarsSplitsKeyValuePairs(t *testing.T) {
	vars, err := parseVars([]string{"name=alpha", "count=3"})
	require.NoError(t, err)
	assert.Equal(t, "alpha", vars["name"])
	assert.Equal(t, "3", vars["count"])
}

func TestParseVarsRejectsMissingEquals(t *testing.T) {
	_, err := parseVars([]string{"noequals"})
	assert.Error(t, err)
}

func TestParseRetryStrategyAcceptsKnownKinds(t *testing.T) {
	s, err := parseRetryStrategy("fixed_delay", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, dlq.RetryFixedDelay, s.Kind)
	assert.Equal(t, 2*time.Second, s.FixedDelay)
}

func TestParseRetryStrategyRejectsUnknownKind(t *testing.T) {
	_, err := parseRetryStrategy("bogus", 0)
	assert.Error(t, err)
}

func TestClassifyExitCodeHonorsExitCodeError(t *testing.T) {
	assert.Equal(t, exitArgumentError, classifyExitCode(withExitCode(exitArgumentError, errors.New("bad arg"))))
	assert.Equal(t, exitGeneralError, classifyExitCode(errors.New("plain failure")))
}

func TestWithExitCodeNilIsNil(t *testing.T) {
	assert.NoError(t, withExitCode(exitArgumentError, nil))
}
