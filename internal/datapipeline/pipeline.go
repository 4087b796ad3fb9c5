package datapipeline

import (
	"fmt"
	"sort"
	"strings"
)

// WorkItem is one JSON value drawn from a map input, addressed by a stable
// item_id assigned on ingestion (spec.md §3 "WorkItem").
type WorkItem struct {
	ItemID string
	Value  interface{}
}

// SortClause is one "field [ASC|DESC]" term.
type SortClause struct {
	Field string
	Desc  bool
}

// Config describes one run of the pipeline.
type Config struct {
	JSONPath  string
	Filter    string
	SortBy    []SortClause
	Offset    int
	Limit     int            // 0 means no limit
	FieldMap  map[string]string // new key -> source path, applied per item
}

// Run executes Select → Filter → Sort → Offset → Limit → field-mapping
// against data and returns the resulting WorkItems, item_id assigned by
// final position (spec.md §4.1, §3).
func Run(data interface{}, cfg Config) ([]WorkItem, error) {
	selected, err := Select(data, cfg.JSONPath)
	if err != nil {
		return nil, fmt.Errorf("datapipeline: select: %w", err)
	}

	filtered := selected
	if strings.TrimSpace(cfg.Filter) != "" {
		f, err := ParseFilter(cfg.Filter)
		if err != nil {
			return nil, fmt.Errorf("datapipeline: parse filter: %w", err)
		}
		filtered = filtered[:0]
		for _, v := range selected {
			if f.Eval(v) {
				filtered = append(filtered, v)
			}
		}
	}

	sorted := stableSort(filtered, cfg.SortBy)

	if cfg.Offset > 0 {
		if cfg.Offset >= len(sorted) {
			sorted = nil
		} else {
			sorted = sorted[cfg.Offset:]
		}
	}
	if cfg.Limit > 0 && cfg.Limit < len(sorted) {
		sorted = sorted[:cfg.Limit]
	}

	items := make([]WorkItem, 0, len(sorted))
	for i, v := range sorted {
		if len(cfg.FieldMap) > 0 {
			v = applyFieldMap(v, cfg.FieldMap)
		}
		items = append(items, WorkItem{ItemID: fmt.Sprintf("item_%d", i), Value: v})
	}
	return items, nil
}

// stableSort orders values by one or more field clauses; nulls (or missing
// fields) sort last regardless of direction, a documented deterministic
// tie-break (spec.md §4.1).
func stableSort(values []interface{}, clauses []SortClause) []interface{} {
	if len(clauses) == 0 {
		return values
	}
	out := make([]interface{}, len(values))
	copy(out, values)

	sort.SliceStable(out, func(i, j int) bool {
		for _, c := range clauses {
			vi, iFound := pathLookup(out[i], c.Field)
			vj, jFound := pathLookup(out[j], c.Field)
			iNull := !iFound || vi == nil
			jNull := !jFound || vj == nil

			if iNull && jNull {
				continue
			}
			if iNull {
				return false
			}
			if jNull {
				return true
			}

			cmp := compareValues(vi, vj)
			if cmp == 0 {
				continue
			}
			if c.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return out
}

func compareValues(a, b interface{}) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	return strings.Compare(as, bs)
}

func applyFieldMap(v interface{}, fieldMap map[string]string) interface{} {
	out := make(map[string]interface{}, len(fieldMap))
	for newKey, sourcePath := range fieldMap {
		val, found := pathLookup(v, sourcePath)
		if found {
			out[newKey] = val
		} else {
			out[newKey] = nil
		}
	}
	return out
}
