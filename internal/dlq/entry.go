// Package dlq implements the DeadLetterQueue and its Reprocessor
// (spec.md §4.11/§6.3): a per-job, append-only directory of entries for
// items that exhausted retry_on_failure, plus a filtered-retry path that
// drives those entries back through fresh AgentRuntime attempts.
//
// No teacher package models a durable retry queue (station's nearest
// analogue, internal/db's job tables, is SQL-backed); this is grounded on
// the same afero.Fs tempfile-then-rename discipline internal/checkpoint
// uses, since both are "one JSON file per record" stores with the same
// crash-safety requirement.
package dlq

import "time"

// FailureRecord is one entry in an Entry's bounded failure_history.
type FailureRecord struct {
	Timestamp time.Time `json:"ts"`
	ErrorType string    `json:"error_type"`
	Excerpt   string    `json:"excerpt,omitempty"`
}

// Entry is one DLQ record, serialized to dlq/<item_id>.json (spec.md §6.3).
type Entry struct {
	ItemID                string          `json:"item_id"`
	ItemData              interface{}     `json:"item_data"`
	FirstAttempt          time.Time       `json:"first_attempt"`
	LastAttempt           time.Time       `json:"last_attempt"`
	FailureCount          int             `json:"failure_count"`
	FailureHistory        []FailureRecord `json:"failure_history"`
	ErrorSignature        string          `json:"error_signature"`
	WorktreeArtifactsRef  string          `json:"worktree_artifacts_ref,omitempty"`
	ReprocessEligible     bool            `json:"reprocess_eligible"`
	ManualReviewRequired  bool            `json:"manual_review_required"`
}

// maxFailureHistory bounds failure_history's length; spec.md calls it a
// "bounded list" without naming the bound, so this keeps an entry file from
// growing unboundedly across many reprocess attempts.
const maxFailureHistory = 20

// nonRetryableSignatures mirrors spec.md §4.12's "non-retryable conditions"
// for the purpose of manual_review_required: a Validation failure is a
// property of the item/workflow, not a transient condition, so plain
// reprocessing is unlikely to help without a human looking at it first.
var nonRetryableSignatures = map[string]bool{
	"Validation": true,
}

func (e *Entry) appendFailure(signature, excerpt string, at time.Time) {
	e.FailureHistory = append(e.FailureHistory, FailureRecord{Timestamp: at, ErrorType: signature, Excerpt: excerpt})
	if len(e.FailureHistory) > maxFailureHistory {
		e.FailureHistory = e.FailureHistory[len(e.FailureHistory)-maxFailureHistory:]
	}
}
