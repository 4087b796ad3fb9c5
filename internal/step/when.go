// Package step implements StepExecutor (spec.md §4.6) and the validation
// subsystem (§4.7): running exactly one step against a variable scope and
// working directory, branching on success/failure/exit code, and validating
// step or workflow completion.
package step

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// AttrDict exposes a Go map to Starlark both as a mapping (d["key"]) and via
// attribute access (d.key), grounded verbatim on station's
// runtime/starlark_eval.go — the same "safe boolean expression over a data
// context" need recurs unchanged for `when` evaluation.
type AttrDict struct {
	dict      *starlark.Dict
	evaluator *Evaluator
}

var (
	_ starlark.Value      = (*AttrDict)(nil)
	_ starlark.Mapping    = (*AttrDict)(nil)
	_ starlark.HasAttrs   = (*AttrDict)(nil)
	_ starlark.Iterable   = (*AttrDict)(nil)
	_ starlark.Comparable = (*AttrDict)(nil)
)

func newAttrDict(evaluator *Evaluator, data map[string]interface{}) *AttrDict {
	dict := starlark.NewDict(len(data))
	for k, v := range data {
		_ = dict.SetKey(starlark.String(k), evaluator.goToStarlark(v))
	}
	return &AttrDict{dict: dict, evaluator: evaluator}
}

func (d *AttrDict) String() string       { return d.dict.String() }
func (d *AttrDict) Type() string         { return "attrdict" }
func (d *AttrDict) Freeze()              { d.dict.Freeze() }
func (d *AttrDict) Truth() starlark.Bool { return d.dict.Truth() }
func (d *AttrDict) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: attrdict")
}

func (d *AttrDict) Get(key starlark.Value) (v starlark.Value, found bool, err error) {
	return d.dict.Get(key)
}

func (d *AttrDict) Iterate() starlark.Iterator { return d.dict.Iterate() }

func (d *AttrDict) CompareSameType(op syntax.Token, y starlark.Value, depth int) (bool, error) {
	other, ok := y.(*AttrDict)
	if !ok {
		return false, nil
	}
	return starlark.Compare(op, d.dict, other.dict)
}

func (d *AttrDict) Attr(name string) (starlark.Value, error) {
	val, found, err := d.dict.Get(starlark.String(name))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, starlark.NoSuchAttrError(fmt.Sprintf("attrdict has no .%s field", name))
	}
	return val, nil
}

func (d *AttrDict) AttrNames() []string {
	var names []string
	for _, item := range d.dict.Items() {
		if key, ok := item[0].(starlark.String); ok {
			names = append(names, string(key))
		}
	}
	sort.Strings(names)
	return names
}

// Evaluator runs `when` boolean expressions against a data context, bounded
// by a maximum execution-step count so a malformed condition can't hang a
// step (spec.md §4.6 step 1).
type Evaluator struct {
	maxSteps uint64
}

// NewEvaluator creates a when-condition Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{maxSteps: 10000}
}

// EvaluateWhen evaluates expression (e.g. `item.priority > 2`) against data
// and returns its truthiness.
func (e *Evaluator) EvaluateWhen(expression string, data map[string]interface{}) (bool, error) {
	thread := &starlark.Thread{Name: "when"}
	thread.SetMaxExecutionSteps(e.maxSteps)

	globals := e.convertToStarlark(data)

	fileOpts := syntax.FileOptions{}
	expr, err := fileOpts.ParseExpr("when", expression, 0)
	if err != nil {
		return false, fmt.Errorf("step: parse when expression: %w", err)
	}

	result, err := starlark.EvalExprOptions(&fileOpts, thread, expr, globals)
	if err != nil {
		return false, fmt.Errorf("step: evaluate when expression: %w", err)
	}

	switch v := result.(type) {
	case starlark.Bool:
		return bool(v), nil
	case starlark.NoneType:
		return false, nil
	default:
		return result.Truth() == starlark.True, nil
	}
}

func (e *Evaluator) convertToStarlark(data map[string]interface{}) starlark.StringDict {
	globals := make(starlark.StringDict)
	for k, v := range data {
		globals[k] = e.goToStarlark(v)
	}
	return globals
}

func (e *Evaluator) goToStarlark(v interface{}) starlark.Value {
	switch val := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(val)
	case int:
		return starlark.MakeInt(val)
	case int64:
		return starlark.MakeInt64(val)
	case float64:
		return starlark.Float(val)
	case string:
		return starlark.String(val)
	case []interface{}:
		elems := make([]starlark.Value, len(val))
		for i, elem := range val {
			elems[i] = e.goToStarlark(elem)
		}
		return starlark.NewList(elems)
	case map[string]interface{}:
		return newAttrDict(e, val)
	default:
		return starlark.String(fmt.Sprintf("%v", val))
	}
}
