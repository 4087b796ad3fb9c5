package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepKeyDeterministic(t *testing.T) {
	p := StepPath{RunID: "run1", Phase: "map", ItemID: "item_3"}
	assert.Equal(t, StepKey(p), StepKey(p))
}

func TestStepKeyDiffersByItem(t *testing.T) {
	a := StepPath{RunID: "run1", Phase: "map", ItemID: "item_3"}
	b := StepPath{RunID: "run1", Phase: "map", ItemID: "item_4"}
	assert.NotEqual(t, StepKey(a), StepKey(b))
}

func TestStepKeyWithIndexDiffersFromParent(t *testing.T) {
	parent := StepPath{RunID: "run1", Phase: "setup"}
	child := parent.WithIndex(0)
	assert.NotEqual(t, StepKey(parent), StepKey(child))

	grandchild := child.WithIndex(2)
	assert.NotEqual(t, StepKey(child), StepKey(grandchild))
}

func TestAttemptKeyAppendsAttempt(t *testing.T) {
	key := StepKey(StepPath{RunID: "run1", Phase: "reduce"})
	assert.Equal(t, key+"#2", AttemptKey(key, 2))
}
