package step

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateWhenTrue(t *testing.T) {
	e := NewEvaluator()
	ok, err := e.EvaluateWhen("item.priority > 2", map[string]interface{}{
		"item": map[string]interface{}{"priority": float64(5)},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateWhenFalse(t *testing.T) {
	e := NewEvaluator()
	ok, err := e.EvaluateWhen("item.priority > 2", map[string]interface{}{
		"item": map[string]interface{}{"priority": float64(1)},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateWhenBooleanIdentity(t *testing.T) {
	e := NewEvaluator()
	ok, err := e.EvaluateWhen("item.ready", map[string]interface{}{
		"item": map[string]interface{}{"ready": true},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateWhenParseError(t *testing.T) {
	e := NewEvaluator()
	_, err := e.EvaluateWhen("item.(((", map[string]interface{}{})
	require.Error(t, err)
}
