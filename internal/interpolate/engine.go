// Package interpolate resolves "${...}" and "$IDENT" placeholders inside
// workflow step fields against a variable scope, per spec.md §4.2.
package interpolate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"conductor/internal/variables"
)

const maxRecursionDepth = 10

var (
	// ErrRecursionOverflow is returned when an interpolation chain exceeds
	// maxRecursionDepth nested ${...} expansions.
	ErrRecursionOverflow = errors.New("interpolation: recursion depth exceeded")
	// ErrMissingVariable is returned in strict mode when a referenced
	// variable cannot be resolved.
	ErrMissingVariable = errors.New("interpolation: missing variable")
)

// ComputedResolver is the set of external effects an engine may need to
// resolve a computed expression (file/cmd lookups); split out so tests can
// supply a fake filesystem/shell.
type ComputedResolver struct {
	Fs      afero.Fs
	RunShell func(shell string) (stdout string, err error)
}

// Engine interpolates strings against a variable scope. It is not safe for
// concurrent Interpolate calls on the same Engine that share one cache
// without external synchronization beyond what ComputedCache itself provides
// (the cache is internally locked).
type Engine struct {
	resolver ComputedResolver
	cache    *variables.ComputedCache
	strict   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrict toggles strict mode: a missing variable becomes a hard failure
// (with a diagnostic enumerating available keys) instead of leaving the
// placeholder intact with a warning.
func WithStrict(strict bool) Option {
	return func(e *Engine) { e.strict = strict }
}

// New creates an interpolation Engine backed by the given filesystem (for
// file: lookups) and shell runner (for cmd: lookups).
func New(resolver ComputedResolver, opts ...Option) *Engine {
	if resolver.Fs == nil {
		resolver.Fs = afero.NewOsFs()
	}
	if resolver.RunShell == nil {
		resolver.RunShell = defaultRunShell
	}
	e := &Engine{resolver: resolver, cache: variables.NewComputedCache(512)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func defaultRunShell(shell string) (string, error) {
	cmd := exec.Command("sh", "-c", shell)
	var out bytes.Buffer
	cmd.Stdout = &out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("cmd: %s: %w: %s", shell, err, stderr.String())
	}
	return strings.TrimRight(out.String(), "\n"), nil
}

// Warning describes a non-fatal interpolation event (legacy alias use,
// left-intact placeholder in non-strict mode, invalid regex in matches()).
type Warning struct {
	Message string
}

// Result is the outcome of interpolating a single string.
type Result struct {
	Value    string
	Warnings []Warning
}

var placeholderPattern = regexp.MustCompile(`\$\{([^{}]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

var legacyAliases = map[string]string{
	"ARG":       "item.value",
	"ARGUMENT":  "item.value",
	"FILE":      "item.path",
	"FILE_PATH": "item.path",
}

// Interpolate resolves every placeholder occurrence in s against scope.
func (e *Engine) Interpolate(s string, scope *variables.Scope) (Result, error) {
	return e.interpolateDepth(s, scope, 0)
}

func (e *Engine) interpolateDepth(s string, scope *variables.Scope, depth int) (Result, error) {
	if depth > maxRecursionDepth {
		return Result{}, ErrRecursionOverflow
	}

	var result Result
	var fail error

	out := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		if fail != nil {
			return match
		}

		var expr string
		if strings.HasPrefix(match, "${") {
			expr = match[2 : len(match)-1]
		} else {
			name := match[1:]
			if alias, ok := legacyAliases[name]; ok {
				result.Warnings = append(result.Warnings, Warning{
					Message: fmt.Sprintf("$%s is a deprecated alias for ${%s}; use ${%s} instead", name, alias, alias),
				})
				expr = alias
			} else {
				expr = name
			}
		}

		rendered, warn, err := e.resolveExpr(expr, scope, depth)
		if err != nil {
			fail = err
			return match
		}
		if warn != "" {
			result.Warnings = append(result.Warnings, Warning{Message: warn})
		}
		return rendered
	})

	if fail != nil {
		return Result{}, fail
	}
	result.Value = out
	return result, nil
}

func (e *Engine) resolveExpr(expr string, scope *variables.Scope, depth int) (rendered string, warning string, err error) {
	expr = strings.TrimSpace(expr)

	switch {
	case expr == "uuid":
		return uuid.New().String(), "", nil

	case strings.HasPrefix(expr, "env."):
		name := strings.TrimPrefix(expr, "env.")
		return os.Getenv(name), "", nil

	case strings.HasPrefix(expr, "file:"):
		path := strings.TrimPrefix(expr, "file:")
		cacheKey := "file:" + path
		if v, ok := e.cache.Get(cacheKey); ok {
			s, _ := v.RenderSimple()
			return s, "", nil
		}
		data, ferr := afero.ReadFile(e.resolver.Fs, path)
		if ferr != nil {
			return "", "", fmt.Errorf("interpolation: file:%s: %w", path, ferr)
		}
		content := string(data)
		e.cache.Put(cacheKey, variables.FromNative(content))
		return content, "", nil

	case strings.HasPrefix(expr, "cmd:"):
		shell := strings.TrimPrefix(expr, "cmd:")
		cacheKey := "cmd:" + shell
		if v, ok := e.cache.Get(cacheKey); ok {
			s, _ := v.RenderSimple()
			return s, "", nil
		}
		out, cerr := e.resolver.RunShell(shell)
		if cerr != nil {
			return "", "", fmt.Errorf("interpolation: %w", cerr)
		}
		e.cache.Put(cacheKey, variables.FromNative(out))
		return out, "", nil

	case strings.HasPrefix(expr, "json:"):
		rest := strings.TrimPrefix(expr, "json:")
		parts := strings.SplitN(rest, ":from:", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("interpolation: malformed json:PATH:from:VAR expression %q", expr)
		}
		jsonPath, varName := parts[0], parts[1]
		v, ok := scope.Get(varName)
		if !ok {
			return e.missingVariable(varName, scope)
		}
		selected, serr := selectJSONPath(v.Native(), jsonPath)
		if serr != nil {
			return "", "", fmt.Errorf("interpolation: %w", serr)
		}
		return renderValue(variables.FromNative(selected))

	case strings.HasPrefix(expr, "date:"):
		format := strings.TrimPrefix(expr, "date:")
		return time.Now().Local().Format(goTimeLayout(format)), "", nil

	default:
		path, def, hasDefault := splitDefault(expr)
		v, ok := resolvePath(scope, path)
		if !ok {
			if hasDefault {
				return def, "", nil
			}
			return e.missingVariable(path, scope)
		}

		// Nested ${...} inside a resolved string value are expanded once
		// more, bounded by depth, matching spec.md §4.2's recursion bound.
		if v.Kind == variables.KindString {
			nested, nerr := e.interpolateDepth(v.Raw.(string), scope, depth+1)
			if nerr != nil {
				return "", "", nerr
			}
			for _, w := range nested.Warnings {
				warning = w.Message
			}
			return nested.Value, warning, nil
		}
		return renderValue(v)
	}
}

func (e *Engine) missingVariable(path string, scope *variables.Scope) (string, string, error) {
	if e.strict {
		return "", "", fmt.Errorf("%w: %q not found; available: %s", ErrMissingVariable, path, strings.Join(scope.Keys(), ", "))
	}
	return "${" + path + "}", fmt.Sprintf("unresolved variable %q left intact", path), nil
}

func renderValue(v variables.Value) (string, string, error) {
	if s, ok := v.RenderSimple(); ok {
		return s, "", nil
	}
	b, err := json.Marshal(v.Native())
	if err != nil {
		return "", "", fmt.Errorf("interpolation: encode %v: %w", v.Native(), err)
	}
	return string(b), "", nil
}

func splitDefault(expr string) (path, def string, hasDefault bool) {
	idx := strings.Index(expr, ":-")
	if idx < 0 {
		return expr, "", false
	}
	return expr[:idx], expr[idx+2:], true
}

func goTimeLayout(fmtSpec string) string {
	// Accept a handful of common strftime-ish tokens as well as a raw Go
	// reference layout, since workflow authors may write either.
	replacer := strings.NewReplacer(
		"%Y", "2006", "%m", "01", "%d", "02",
		"%H", "15", "%M", "04", "%S", "05",
	)
	return replacer.Replace(fmtSpec)
}

// resolvePath resolves a dotted/indexed path ("a.b[0].c") against scope,
// first looking up the root identifier as a variable and walking the rest
// of the path through nested maps/arrays. Cross-phase reduce variables
// (map.*, merge.*) and capture sidecars (<name>.stdout, <name>.exit_code,
// ...) are stored as flat keys containing dots rather than as nested
// objects, so when the root+navigate resolution misses, this falls back to
// looking up the whole path as one literal key.
func resolvePath(scope *variables.Scope, path string) (variables.Value, bool) {
	root, rest := splitRoot(path)
	if v, ok := scope.Get(root); ok {
		if rest == "" {
			return v, true
		}
		if nav, ok := navigate(v.Native(), rest); ok {
			return variables.FromNative(nav), true
		}
	}
	if v, ok := scope.Get(path); ok {
		return v, true
	}
	return variables.Null, false
}

func splitRoot(path string) (root, rest string) {
	for i, r := range path {
		if r == '.' || r == '[' {
			if r == '[' {
				return path[:i], path[i:]
			}
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

func navigate(v interface{}, path string) (interface{}, bool) {
	current := v
	for len(path) > 0 {
		if path[0] == '[' {
			end := strings.IndexByte(path, ']')
			if end < 0 {
				return nil, false
			}
			idxStr := path[1:end]
			path = strings.TrimPrefix(path[end+1:], ".")
			arr, ok := current.([]interface{})
			if !ok {
				return nil, false
			}
			var idx int
			if _, err := fmt.Sscanf(idxStr, "%d", &idx); err != nil {
				return nil, false
			}
			if idx < 0 || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
			continue
		}

		dot := strings.IndexByte(path, '.')
		bracket := strings.IndexByte(path, '[')
		seg := path
		if dot >= 0 && (bracket < 0 || dot < bracket) {
			seg = path[:dot]
			path = path[dot+1:]
		} else if bracket >= 0 {
			seg = path[:bracket]
			path = path[bracket:]
		} else {
			path = ""
		}

		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// sortedKeys is used by callers that want a deterministic diagnostic listing.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
