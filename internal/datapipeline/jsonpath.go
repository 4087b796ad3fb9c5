// Package datapipeline implements the select → filter → sort → offset →
// limit → map pipeline used to turn a source JSON document into an ordered
// sequence of work items, per spec.md §4.1.
package datapipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Select applies the JSONPath subset ($, dotted fields, [i], [*], ..field,
// [?(@.field op value)]) to data and returns every matching value. A missing
// intermediate field yields an empty selection rather than an error.
func Select(data interface{}, path string) ([]interface{}, error) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$")
	if !strings.HasPrefix(path, "..") {
		path = strings.TrimPrefix(path, ".")
	}
	if path == "" {
		return []interface{}{data}, nil
	}

	segments, err := splitPathSegments(path)
	if err != nil {
		return nil, err
	}

	current := []interface{}{data}
	for _, seg := range segments {
		var next []interface{}
		for _, v := range current {
			matched, err := applySegment(v, seg)
			if err != nil {
				return nil, err
			}
			next = append(next, matched...)
		}
		current = next
	}
	return current, nil
}

type pathSegment struct {
	kind    string // "field", "index", "wildcard", "recurse", "filter"
	field   string
	index   int
	filter  *filterTerm
}

type filterTerm struct {
	field string
	op    string
	value interface{}
}

func splitPathSegments(path string) ([]pathSegment, error) {
	var segments []pathSegment
	i := 0
	for i < len(path) {
		switch {
		case strings.HasPrefix(path[i:], ".."):
			j := i + 2
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			segments = append(segments, pathSegment{kind: "recurse", field: path[i+2 : j]})
			i = j

		case path[i] == '.':
			i++

		case path[i] == '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("datapipeline: unterminated [ in path %q", path)
			}
			inner := path[i+1 : i+end]
			i += end + 1

			switch {
			case inner == "*":
				segments = append(segments, pathSegment{kind: "wildcard"})
			case strings.HasPrefix(inner, "?("):
				term, err := parseFilterTerm(strings.TrimSuffix(strings.TrimPrefix(inner, "?("), ")"))
				if err != nil {
					return nil, err
				}
				segments = append(segments, pathSegment{kind: "filter", filter: term})
			default:
				idx, err := strconv.Atoi(inner)
				if err != nil {
					return nil, fmt.Errorf("datapipeline: invalid index %q", inner)
				}
				segments = append(segments, pathSegment{kind: "index", index: idx})
			}

		default:
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			segments = append(segments, pathSegment{kind: "field", field: path[i:j]})
			i = j
		}
	}
	return segments, nil
}

var filterOps = []string{"==", "!=", ">=", "<=", ">", "<"}

func parseFilterTerm(expr string) (*filterTerm, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@.") {
		return nil, fmt.Errorf("datapipeline: filter term must start with @. : %q", expr)
	}
	expr = strings.TrimPrefix(expr, "@.")

	for _, op := range filterOps {
		if idx := strings.Index(expr, op); idx >= 0 {
			field := strings.TrimSpace(expr[:idx])
			rawValue := strings.TrimSpace(expr[idx+len(op):])
			return &filterTerm{field: field, op: op, value: parseLiteralToken(rawValue)}, nil
		}
	}
	return nil, fmt.Errorf("datapipeline: unrecognized filter operator in %q", expr)
}

func parseLiteralToken(raw string) interface{} {
	if len(raw) >= 2 && (raw[0] == '\'' || raw[0] == '"') && raw[len(raw)-1] == raw[0] {
		return raw[1 : len(raw)-1]
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func applySegment(v interface{}, seg pathSegment) ([]interface{}, error) {
	switch seg.kind {
	case "field":
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, nil
		}
		fv, ok := m[seg.field]
		if !ok {
			return nil, nil
		}
		return []interface{}{fv}, nil

	case "index":
		arr, ok := v.([]interface{})
		if !ok {
			return nil, nil
		}
		idx := seg.index
		if idx < 0 || idx >= len(arr) {
			return nil, nil
		}
		return []interface{}{arr[idx]}, nil

	case "wildcard":
		switch t := v.(type) {
		case []interface{}:
			return t, nil
		case map[string]interface{}:
			out := make([]interface{}, 0, len(t))
			for _, k := range sortedMapKeys(t) {
				out = append(out, t[k])
			}
			return out, nil
		default:
			return nil, nil
		}

	case "recurse":
		var out []interface{}
		var walk func(interface{})
		walk = func(n interface{}) {
			switch t := n.(type) {
			case map[string]interface{}:
				if fv, ok := t[seg.field]; ok {
					out = append(out, fv)
				}
				for _, k := range sortedMapKeys(t) {
					walk(t[k])
				}
			case []interface{}:
				for _, item := range t {
					walk(item)
				}
			}
		}
		walk(v)
		return out, nil

	case "filter":
		arr, ok := v.([]interface{})
		if !ok {
			arr = []interface{}{v}
		}
		var out []interface{}
		for _, item := range arr {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if compareFilterTerm(m[seg.filter.field], seg.filter.op, seg.filter.value) {
				out = append(out, item)
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("datapipeline: unknown path segment kind %q", seg.kind)
	}
}

func compareFilterTerm(actual interface{}, op string, expected interface{}) bool {
	switch op {
	case "==":
		return valuesEqual(actual, expected)
	case "!=":
		return !valuesEqual(actual, expected)
	}
	af, aok := toFloat(actual)
	ef, eok := toFloat(expected)
	if !aok || !eok {
		return false
	}
	switch op {
	case ">":
		return af > ef
	case "<":
		return af < ef
	case ">=":
		return af >= ef
	case "<=":
		return af <= ef
	}
	return false
}

func valuesEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	}
	return 0, false
}

func sortedMapKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
