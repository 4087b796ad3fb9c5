package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// StepPath locates one step within a running workflow: which phase it
// belongs to, the map-phase item it executed for (empty outside the map
// phase), and its index path through nested step lists.
type StepPath struct {
	RunID   string
	Phase   string // "setup", "map", or "reduce"
	ItemID  string // empty for setup/reduce
	Indices []int  // step index at each nesting level
}

// StepKey derives a deterministic, content-stable identifier for a StepPath,
// grounded on station stepid.go's GenerateStepID: same run/phase/item/index
// path always hashes to the same key, so the event stream and checkpoint
// store can correlate a step's log lines and captures across a resume
// without persisting a separate counter.
func StepKey(p StepPath) string {
	parts := []string{p.RunID, p.Phase}
	if p.ItemID != "" {
		parts = append(parts, p.ItemID)
	}
	if len(p.Indices) > 0 {
		idx := make([]string, len(p.Indices))
		for i, n := range p.Indices {
			idx[i] = strconv.Itoa(n)
		}
		parts = append(parts, strings.Join(idx, "."))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])[:16]
}

// WithIndex returns a copy of p with an additional nesting-level index
// appended, for descending into a nested step list.
func (p StepPath) WithIndex(i int) StepPath {
	next := make([]int, len(p.Indices)+1)
	copy(next, p.Indices)
	next[len(p.Indices)] = i
	p.Indices = next
	return p
}

// AttemptKey qualifies a StepKey with a retry attempt number, for log lines
// that need to distinguish a step's Nth retry from its first run.
func AttemptKey(key string, attempt int) string {
	return fmt.Sprintf("%s#%d", key, attempt)
}
