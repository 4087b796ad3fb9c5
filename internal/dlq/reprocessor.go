package dlq

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"conductor/internal/mapreduce"
	"conductor/internal/step"
	"conductor/internal/variables"
)

// RetryStrategyKind selects the pacing applied between an entry's reprocess
// attempts (spec.md §4.11).
type RetryStrategyKind string

const (
	RetryImmediate          RetryStrategyKind = "immediate"
	RetryFixedDelay         RetryStrategyKind = "fixed_delay"
	RetryExponentialBackoff RetryStrategyKind = "exponential_backoff"
)

// RetryStrategy is the pacing the Reprocessor applies before an entry's
// Nth reprocess attempt.
type RetryStrategy struct {
	Kind       RetryStrategyKind
	FixedDelay time.Duration // used when Kind == RetryFixedDelay
}

const (
	backoffBase = time.Second
	backoffCap  = 1024 * time.Second // 2^10 s, per spec.md §4.11
)

// delay returns how long to wait before the given attempt number (1-indexed;
// attempt 1 always runs immediately).
func (r RetryStrategy) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	switch r.Kind {
	case RetryFixedDelay:
		return r.FixedDelay
	case RetryExponentialBackoff:
		d := backoffBase << uint(attempt-2)
		if d > backoffCap || d <= 0 {
			d = backoffCap
		}
		return d
	default:
		return 0
	}
}

// staleLockAge is how long a reprocess lock may be held before a new
// reprocess call is allowed to break it ("stale locks (>1h) are broken").
const staleLockAge = time.Hour

// ErrReprocessInProgress is returned when a reprocess is already running for
// a job and its lock is not yet stale.
var ErrReprocessInProgress = errors.New("dlq: reprocess already in progress for this job")

// Reprocessor drives filtered DLQ entries back through fresh AgentRuntime
// attempts, removing entries that succeed and recording failure_history for
// ones that don't (spec.md §4.11). It runs its own bounded-concurrency fan
// out rather than reusing mapreduce.JobScheduler: JobScheduler's retry is an
// immediate-requeue policy tied to a live JobState, whereas a reprocess run
// needs to pace attempts with an explicit RetryStrategy against entries that
// already live in the DLQ, not in a JobState.Pending list.
//
// Its reprocess lock is persisted via Store.AcquireReprocessLock /
// ReleaseReprocessLock rather than held in memory: a reprocess run is
// typically one `conductor dlq reprocess` CLI invocation, a separate
// process each time, so an in-memory lock would never actually prevent two
// concurrent invocations against the same job.
type Reprocessor struct {
	store *Store
	owner string
}

// NewReprocessor creates a Reprocessor backed by store. owner is an opaque
// identifier recorded in the persisted lock file for diagnostics.
func NewReprocessor(store *Store, owner string) *Reprocessor {
	return &Reprocessor{store: store, owner: owner}
}

func (r *Reprocessor) acquireLock(jobID string) error {
	ok, err := r.store.AcquireReprocessLock(jobID, r.owner, staleLockAge)
	if err != nil {
		return err
	}
	if !ok {
		return ErrReprocessInProgress
	}
	return nil
}

func (r *Reprocessor) releaseLock(jobID string) {
	_ = r.store.ReleaseReprocessLock(jobID)
}

// Deps are the Reprocessor's per-call collaborators.
type Deps struct {
	Runtime       *mapreduce.AgentRuntime
	AgentTemplate []step.Step
	Merge         mapreduce.MergeFunc
	MaxParallel   int
	Strategy      RetryStrategy
	// MaxAttempts bounds how many times a single entry is retried within
	// one Reprocess call before it's left in the DLQ with updated
	// failure_history. Defaults to 1 (a single fresh attempt).
	MaxAttempts int
}

// Result summarizes one reprocess run.
type Result struct {
	Attempted int
	Succeeded int
	Failed    int
}

// Reprocess lists jobID's DLQ entries matching filter (skipping entries
// flagged manual_review_required), re-runs each through deps up to
// deps.MaxAttempts times paced by deps.Strategy, removes entries that
// succeed, and updates failure_history for ones that still fail.
func (r *Reprocessor) Reprocess(ctx context.Context, jobID string, filter Filter, deps Deps) (Result, error) {
	if err := r.acquireLock(jobID); err != nil {
		return Result{}, err
	}
	defer r.releaseLock(jobID)

	if deps.MaxParallel <= 0 {
		deps.MaxParallel = 1
	}
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = 1
	}

	entries, err := r.store.List(jobID, filter)
	if err != nil {
		return Result{}, err
	}

	var eligible []Entry
	for _, e := range entries {
		if e.ReprocessEligible {
			eligible = append(eligible, e)
		}
	}

	sem := semaphore.NewWeighted(int64(deps.MaxParallel))
	var wg sync.WaitGroup
	var mu sync.Mutex
	res := Result{Attempted: len(eligible)}

	for _, entry := range eligible {
		entry := entry
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			ok := r.reprocessOne(ctx, jobID, entry, deps)
			mu.Lock()
			if ok {
				res.Succeeded++
			} else {
				res.Failed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	return res, nil
}

// reprocessOne drives a single entry through up to deps.MaxAttempts paced
// attempts, returning true once it succeeds (and has been removed from the
// DLQ) or false once attempts are exhausted (failure_history updated
// in-place via Store.Insert's append-if-exists behavior).
func (r *Reprocessor) reprocessOne(ctx context.Context, jobID string, entry Entry, deps Deps) bool {
	for attempt := 1; attempt <= deps.MaxAttempts; attempt++ {
		if d := deps.Strategy.delay(attempt); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return false
			}
		}

		item := mapreduce.WorkItem{ItemID: entry.ItemID, Value: enhancedItemValue(entry, attempt)}

		result, wt := deps.Runtime.Run(ctx, mapreduce.RunInput{
			JobID:         jobID,
			Item:          item,
			ItemIndex:     0,
			ItemTotal:     1,
			AgentTemplate: deps.AgentTemplate,
			ParentScope:   variables.NewRootScope(),
			Timeout:       0,
		})

		if result.Status == mapreduce.StatusSuccess {
			if wt != nil && deps.Merge != nil {
				_, _ = deps.Merge(ctx, wt.ID)
			}
			_ = r.store.Remove(jobID, entry.ItemID)
			return true
		}

		sig := mapreduce.ErrorSignature(result)
		_ = r.store.Insert(ctx, jobID, item, entry.FailureCount+attempt, result.Reason, sig)
	}
	return false
}

// enhancedItemValue merges the DLQ reprocess metadata spec.md §4.11 names
// (_dlq_retry_count, _dlq_item_id, _dlq_last_error) into the item's original
// payload, without mutating entry.ItemData itself.
func enhancedItemValue(entry Entry, attempt int) interface{} {
	original, ok := entry.ItemData.(map[string]interface{})
	merged := make(map[string]interface{}, len(original)+3)
	if ok {
		for k, v := range original {
			merged[k] = v
		}
	} else if entry.ItemData != nil {
		merged["value"] = entry.ItemData
	}
	merged["_dlq_retry_count"] = attempt
	merged["_dlq_item_id"] = entry.ItemID
	merged["_dlq_last_error"] = entry.ErrorSignature
	return merged
}
