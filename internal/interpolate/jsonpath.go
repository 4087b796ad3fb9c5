package interpolate

import (
	"fmt"
	"strconv"
	"strings"
)

// selectJSONPath resolves the small JSONPath subset spec.md §4.1 also uses
// for DataPipeline selection ($, dotted fields, [i], [*], ..field) against an
// already-decoded JSON value. It is kept local to this package (rather than
// imported from internal/datapipeline) because the json:PATH:from:VAR form
// only ever needs single-value selection, not the full pipeline's
// filter/sort/paginate surface.
func selectJSONPath(data interface{}, path string) (interface{}, error) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$")
	if !strings.HasPrefix(path, "..") {
		path = strings.TrimPrefix(path, ".")
	}
	if path == "" {
		return data, nil
	}

	current := []interface{}{data}
	for _, segment := range splitSegments(path) {
		next := make([]interface{}, 0, len(current))
		for _, v := range current {
			switch {
			case segment == "*":
				next = append(next, expandWildcard(v)...)
			case strings.HasPrefix(segment, "recurse:"):
				field := strings.TrimPrefix(segment, "recurse:")
				next = append(next, recurseField(v, field)...)
			case strings.HasPrefix(segment, "[") && strings.HasSuffix(segment, "]"):
				idxStr := segment[1 : len(segment)-1]
				if idxStr == "*" {
					next = append(next, expandWildcard(v)...)
					continue
				}
				idx, err := strconv.Atoi(idxStr)
				if err != nil {
					return nil, fmt.Errorf("jsonpath: invalid index %q", segment)
				}
				arr, ok := v.([]interface{})
				if !ok || idx < 0 || idx >= len(arr) {
					continue
				}
				next = append(next, arr[idx])
			default:
				m, ok := v.(map[string]interface{})
				if !ok {
					continue
				}
				if fv, ok := m[segment]; ok {
					next = append(next, fv)
				}
			}
		}
		current = next
	}

	switch len(current) {
	case 0:
		return nil, nil
	case 1:
		return current[0], nil
	default:
		return current, nil
	}
}

// splitSegments turns "a.b[0]..c[*]" into ["a", "b", "[0]", "recurse:c", "[*]"].
func splitSegments(path string) []string {
	var segments []string
	i := 0
	for i < len(path) {
		switch {
		case strings.HasPrefix(path[i:], ".."):
			j := i + 2
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			segments = append(segments, "recurse:"+path[i+2:j])
			i = j
		case path[i] == '.':
			i++
		case path[i] == '[':
			j := strings.IndexByte(path[i:], ']')
			if j < 0 {
				segments = append(segments, path[i:])
				i = len(path)
				break
			}
			segments = append(segments, path[i:i+j+1])
			i += j + 1
		default:
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			segments = append(segments, path[i:j])
			i = j
		}
	}
	return segments
}

func expandWildcard(v interface{}) []interface{} {
	switch t := v.(type) {
	case []interface{}:
		return t
	case map[string]interface{}:
		out := make([]interface{}, 0, len(t))
		for _, k := range sortedKeys(t) {
			out = append(out, t[k])
		}
		return out
	default:
		return nil
	}
}

func recurseField(v interface{}, field string) []interface{} {
	var out []interface{}
	var walk func(interface{})
	walk = func(n interface{}) {
		switch t := n.(type) {
		case map[string]interface{}:
			if fv, ok := t[field]; ok {
				out = append(out, fv)
			}
			for _, k := range sortedKeys(t) {
				walk(t[k])
			}
		case []interface{}:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(v)
	return out
}
