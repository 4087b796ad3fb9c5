package mapreduce

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"conductor/internal/gitops"
	"conductor/internal/variables"
)

// CheckpointWriter is the subset of internal/checkpoint's CheckpointStore
// the scheduler needs; defined here (rather than importing that package) so
// checkpoint can depend on mapreduce's JobState without a import cycle.
type CheckpointWriter interface {
	Save(ctx context.Context, jobID string, state *JobState) error
}

// DLQSink is the subset of internal/dlq's DeadLetterQueue the scheduler
// needs, for the same dependency-direction reason as CheckpointWriter.
type DLQSink interface {
	Insert(ctx context.Context, jobID string, item WorkItem, attempts int, lastErr string, signature string) error
}

// EventSink receives scheduler lifecycle events (spec.md §6.4); nil fields
// are simply not called.
type EventSink interface {
	Emit(ctx context.Context, jobID string, kind string, metadata map[string]interface{})
}

// MergeFunc folds a completed worktree's branch back into the target branch
// and reports what it produced, matching gitops.Manager.Merge's signature —
// injected so tests can fake it without a real git repository per worktree.
type MergeFunc func(ctx context.Context, worktreeID string) (*gitops.MergeResult, error)

// SchedulerDeps are the JobScheduler's collaborators.
type SchedulerDeps struct {
	Runtime    *AgentRuntime
	Checkpoint CheckpointWriter
	DLQ        DLQSink
	Events     EventSink
	Merge      MergeFunc
	// ItemsPerCheckpoint is the "every K agent completions" trigger (spec.md
	// §4.10); 0 defaults to 1 (checkpoint after every completion).
	ItemsPerCheckpoint int
}

// JobScheduler drives JobState.Pending through N=max_parallel concurrent
// AgentRuntime workers (spec.md §4.9), grounded on the bounded-semaphore
// fan-out shape rather than an unbounded errgroup since max_parallel is a
// hard cap, not a best-effort hint.
type JobScheduler struct {
	deps SchedulerDeps

	mu    sync.Mutex
	state *JobState
}

// NewJobScheduler creates a JobScheduler over state, which is mutated
// in place as the run progresses.
func NewJobScheduler(deps SchedulerDeps, state *JobState) *JobScheduler {
	if deps.ItemsPerCheckpoint <= 0 {
		deps.ItemsPerCheckpoint = 1
	}
	return &JobScheduler{deps: deps, state: state}
}

// RunResult is what Run reports once the map phase reaches a terminal
// state — either every item settled, or continue_on_failure=false triggered
// an early cancel.
type RunResult struct {
	Cancelled bool
	MergedBy  map[string]*gitops.MergeResult // worktree id -> merge outcome
}

// Run drives the scheduler until JobState.Pending is empty or a
// continue_on_failure=false cancellation fires (spec.md §4.9).
func (s *JobScheduler) Run(ctx context.Context, parentScope *variables.Scope) (RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(s.deps.Config().MaxParallel))
	var cancelled bool
	var cancelOnce sync.Once
	merged := make(map[string]*gitops.MergeResult)
	var mergedMu sync.Mutex
	var runErr error
	var runErrOnce sync.Once

	itemsByID := s.itemIndex()

	// queue is the live dispatch queue; it is distinct from s.state.Pending
	// (the checkpointed FIFO list) because a retry must re-enter scheduling
	// without the draw loop ever observing an empty queue while the retry
	// is in flight. pendingUnits tracks outstanding "item needs a terminal
	// decision" work so the draw loop knows when every item — including
	// every retry — has actually settled, not just when the queue has
	// momentarily run dry.
	queue := make(chan string, maxQueueDepth(s.state, s.deps.Config().RetryOnFailure))
	var pendingUnits sync.WaitGroup

	initial := s.drainInitialPending()
	pendingUnits.Add(len(initial))
	for _, id := range initial {
		queue <- id
	}

	go func() {
		pendingUnits.Wait()
		close(queue)
	}()

	s.emit(ctx, "JobStarted", map[string]interface{}{"total": s.state.TotalCount})

	for itemID := range queue {
		if err := sem.Acquire(runCtx, 1); err != nil {
			pendingUnits.Done()
			continue
		}

		go func(itemID string) {
			defer sem.Release(1)
			defer pendingUnits.Done()

			item := itemsByID[itemID]
			attempts := s.attemptsFor(itemID)

			s.emit(ctx, "ItemStarted", map[string]interface{}{"item_id": itemID, "attempt": attempts + 1})

			result, wt := s.deps.Runtime.Run(runCtx, RunInput{
				JobID:         s.state.JobID,
				Item:          item,
				ItemIndex:     indexOf(s.state.WorkItems, itemID),
				ItemTotal:     s.state.TotalCount,
				AgentTemplate: s.state.AgentTemplate,
				ParentScope:   parentScope,
				Timeout:       s.deps.Config().AgentTimeout,
			})

			if result.Status != StatusSuccess {
				if attempts < s.deps.Config().RetryOnFailure {
					s.emit(ctx, "ItemRetrying", map[string]interface{}{"item_id": itemID, "attempt": attempts + 1, "error": result.Reason})
					s.recordRetry(itemID, result)
					pendingUnits.Add(1)
					queue <- itemID
					return
				}

				s.recordTerminal(itemID, result)
				sig := errorSignature(result)
				if s.deps.DLQ != nil {
					if err := s.deps.DLQ.Insert(ctx, s.state.JobID, item, attempts+1, result.Reason, sig); err != nil {
						runErrOnce.Do(func() { runErr = fmt.Errorf("mapreduce: dlq insert %s: %w", itemID, err) })
					}
				}
				if result.Status == StatusTimeout {
					s.emit(ctx, "ItemTimedOut", map[string]interface{}{"item_id": itemID})
				} else {
					s.emit(ctx, "ItemFailed", map[string]interface{}{"item_id": itemID, "error": result.Reason})
				}

				if !s.deps.Config().ContinueOnFailure {
					cancelOnce.Do(func() {
						cancelled = true
						cancel()
					})
				}
				s.maybeCheckpoint(ctx)
				return
			}

			s.recordTerminal(itemID, result)
			s.emit(ctx, "ItemCompleted", map[string]interface{}{"item_id": itemID, "commits": len(result.Commits)})

			if wt != nil && s.deps.Merge != nil {
				mr, err := s.deps.Merge(ctx, wt.ID)
				if err != nil {
					runErrOnce.Do(func() { runErr = fmt.Errorf("mapreduce: merge %s: %w", wt.ID, err) })
				} else {
					mergedMu.Lock()
					merged[wt.ID] = mr
					mergedMu.Unlock()
				}
			}

			s.maybeCheckpoint(ctx)
		}(itemID)
	}

	s.emit(ctx, "JobFinished", map[string]interface{}{"successful": s.state.SuccessfulCount, "failed": s.state.FailedCount})

	if s.deps.Checkpoint != nil {
		_ = s.deps.Checkpoint.Save(ctx, s.state.JobID, s.snapshot())
	}

	return RunResult{Cancelled: cancelled, MergedBy: merged}, runErr
}

// Config exposes the scheduler's live JobConfig (thread-safe read).
func (s *JobScheduler) Config() JobConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Config
}

func (s *JobScheduler) itemIndex() map[string]WorkItem {
	out := make(map[string]WorkItem, len(s.state.WorkItems))
	for _, it := range s.state.WorkItems {
		out[it.ItemID] = it
	}
	return out
}

func indexOf(items []WorkItem, itemID string) int {
	for i, it := range items {
		if it.ItemID == itemID {
			return i
		}
	}
	return -1
}

// drainInitialPending returns a snapshot of the items still pending at Run
// start (the full set on a fresh job, a subset on resume), in original
// input order for a deterministic first FIFO pass (spec.md §4.9).
func (s *JobScheduler) drainInitialPending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.state.Pending))
	copy(out, s.state.Pending)
	return out
}

func (s *JobScheduler) attemptsFor(itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Failed[itemID].Attempts
}

// recordRetry records an exhausted attempt's failure detail. The item stays
// in JobState.Pending throughout — per spec.md's invariant I2, "Retrying
// items are still pending" — only recordTerminal ever removes it.
func (s *JobScheduler) recordRetry(itemID string, result AgentResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fa := s.state.Failed[itemID]
	fa.Attempts++
	fa.LastError = result.Reason
	fa.LastAttempt = time.Now().UTC()
	fa.WorktreeID = result.WorktreeID
	s.state.Failed[itemID] = fa
	s.state.UpdatedAt = time.Now().UTC()
	s.state.CheckpointVersion++
}

// recordTerminal moves itemID from pending into completed with its final
// AgentResult, maintaining invariants I1/I2/I3/I5.
func (s *JobScheduler) recordTerminal(itemID string, result AgentResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.AgentResults[itemID] = result
	s.state.Completed[itemID] = true
	s.state.Pending = removeItem(s.state.Pending, itemID)
	if result.Status != StatusSuccess {
		fa := s.state.Failed[itemID]
		fa.Attempts++
		fa.LastError = result.Reason
		fa.LastAttempt = time.Now().UTC()
		fa.WorktreeID = result.WorktreeID
		s.state.Failed[itemID] = fa
	}
	s.state.UpdatedAt = time.Now().UTC()
	s.state.CheckpointVersion++
	s.state.Recompute()
}

func removeItem(items []string, target string) []string {
	out := items[:0]
	for _, id := range items {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// maxQueueDepth bounds the live dispatch channel so every retry can be
// requeued without the sender ever blocking: each of the n items can be
// requeued up to retryOnFailure times before becoming terminal.
func maxQueueDepth(state *JobState, retryOnFailure int) int {
	n := len(state.Pending)
	if n == 0 {
		n = 1
	}
	depth := n * (retryOnFailure + 1)
	if depth < n {
		depth = n
	}
	return depth
}

func (s *JobScheduler) maybeCheckpoint(ctx context.Context) {
	s.mu.Lock()
	trigger := len(s.state.Completed)%s.deps.ItemsPerCheckpoint == 0
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if !trigger || s.deps.Checkpoint == nil {
		return
	}
	if err := s.deps.Checkpoint.Save(ctx, s.state.JobID, snapshot); err == nil {
		s.emit(ctx, "CheckpointWritten", map[string]interface{}{"version": snapshot.CheckpointVersion})
	}
}

// snapshot returns a shallow copy of the live JobState suitable for
// persisting; JobState's slice/map fields are themselves replaced wholesale
// on mutation by this scheduler, so a shallow copy is a consistent point-in-
// time view under the scheduler's mutex.
func (s *JobScheduler) snapshot() *JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *JobScheduler) snapshotLocked() *JobState {
	cp := *s.state
	return &cp
}

func (s *JobScheduler) emit(ctx context.Context, kind string, metadata map[string]interface{}) {
	if s.deps.Events == nil {
		return
	}
	s.deps.Events.Emit(ctx, s.state.JobID, kind, metadata)
}

// ErrorSignature classifies a failed AgentResult into spec.md's DLQ
// error_signature categories (Timeout | Validation | CommandFailure |
// NetworkError | RateLimitError | Unknown). Exported so internal/dlq's
// Reprocessor can classify a retry attempt's outcome the same way the
// scheduler classifies a first-pass exhaustion.
func ErrorSignature(result AgentResult) string {
	return errorSignature(result)
}

func errorSignature(result AgentResult) string {
	if result.Status == StatusTimeout {
		return "Timeout"
	}
	reason := strings.ToLower(result.Reason)
	switch {
	case reason == "":
		return "Unknown"
	case strings.Contains(reason, "commit required"),
		strings.Contains(reason, "step validation failed"),
		strings.Contains(reason, "validation"):
		return "Validation"
	case strings.Contains(reason, "rate limit"),
		strings.Contains(reason, "429"),
		strings.Contains(reason, "too many requests"):
		return "RateLimitError"
	case strings.Contains(reason, "connection refused"),
		strings.Contains(reason, "no such host"),
		strings.Contains(reason, "network"),
		strings.Contains(reason, "dial tcp"),
		strings.Contains(reason, "i/o timeout"),
		strings.Contains(reason, "connection reset"):
		return "NetworkError"
	case strings.Contains(reason, "exited"), strings.Contains(reason, "exit status"),
		strings.Contains(reason, "shell"):
		return "CommandFailure"
	default:
		return "Unknown"
	}
}
