package variables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeLookupShadowing(t *testing.T) {
	global := NewRootScope()
	global.SetNative("env_name", "prod")

	phase := global.NewChild()
	phase.SetNative("env_name", "staging")

	local := phase.NewChild()

	v, ok := local.Get("env_name")
	require.True(t, ok)
	assert.Equal(t, "staging", v.Native())

	v, ok = phase.Get("env_name")
	require.True(t, ok)
	assert.Equal(t, "staging", v.Native())

	v, ok = global.Get("env_name")
	require.True(t, ok)
	assert.Equal(t, "prod", v.Native())
}

func TestScopeMutationNeverTouchesParent(t *testing.T) {
	global := NewRootScope()
	local := global.NewChild()

	local.SetNative("only_local", 1)

	_, ok := global.Get("only_local")
	assert.False(t, ok)

	v, ok := local.Get("only_local")
	require.True(t, ok)
	assert.Equal(t, float64(1), v.Native())
}

func TestSetCaptureSidecars(t *testing.T) {
	s := NewRootScope()
	s.SetCapture("greet", FromNative("hello"), CaptureSidecars{
		Stdout: "hello\n", Stderr: "", ExitCode: 0, Success: true, Duration: 0.01,
	}, map[string]bool{"stdout": true, "exit_code": true, "success": true})

	v, ok := s.Get("greet")
	require.True(t, ok)
	assert.Equal(t, "hello", v.Native())

	v, ok = s.Get("greet.stdout")
	require.True(t, ok)
	assert.Equal(t, "hello\n", v.Native())

	_, ok = s.Get("greet.stderr")
	assert.False(t, ok, "stderr sidecar not requested")

	v, ok = s.Get("greet.exit_code")
	require.True(t, ok)
	assert.Equal(t, float64(0), v.Native())
}

func TestRenderSimple(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		want string
		ok   bool
	}{
		{"string", FromNative("x"), "x", true},
		{"int", FromNative(3), "3", true},
		{"float", FromNative(3.5), "3.5", true},
		{"bool", FromNative(true), "true", true},
		{"string array", FromNative([]interface{}{"a", "b"}), "a,b", true},
		{"object", FromNative(map[string]interface{}{"a": 1}), "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.v.RenderSimple()
			assert.Equal(t, tc.ok, ok)
			if ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestKeysDedupesAcrossScopes(t *testing.T) {
	global := NewRootScope()
	global.SetNative("a", 1)
	local := global.NewChild()
	local.SetNative("b", 2)
	local.SetNative("a", 3)

	keys := local.Keys()
	assert.Equal(t, []string{"a", "b"}, keys)
}
