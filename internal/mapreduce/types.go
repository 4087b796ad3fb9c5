// Package mapreduce drives the map phase of a workflow run: per-item
// AgentRuntime lifecycles fanned out by a JobScheduler bounded to
// max_parallel concurrent workers (spec.md §4.8, §4.9, §5).
package mapreduce

import (
	"errors"
	"time"

	"conductor/internal/step"
	"conductor/internal/workflow"
)

// AgentLifecycleState is the state machine spec.md's "AgentLifecycleState"
// describes: Created -> Running -> (Completed|Failed), with an explicit
// Retrying sub-phase the scheduler drives.
type AgentLifecycleState string

const (
	StateCreated   AgentLifecycleState = "created"
	StateRunning   AgentLifecycleState = "running"
	StateCompleted AgentLifecycleState = "completed"
	StateFailed    AgentLifecycleState = "failed"
	StateRetrying  AgentLifecycleState = "retrying"
)

// ErrInvalidTransition is the error value for a state change outside the
// allowed set spec.md's AgentLifecycleState table names. IsValidTransition
// reports membership in that set as a bool; nothing in this package returns
// ErrInvalidTransition.
var ErrInvalidTransition = errors.New("mapreduce: invalid agent state transition")

var allowedTransitions = map[AgentLifecycleState][]AgentLifecycleState{
	StateCreated:  {StateRunning},
	StateRunning:  {StateCompleted, StateFailed},
	StateFailed:   {StateRetrying},
	StateRetrying: {StateRunning},
}

// IsValidTransition reports whether to is a permitted next state from from,
// per spec.md's AgentLifecycleState transition table.
func IsValidTransition(from, to AgentLifecycleState) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AgentStatus is an AgentResult's terminal classification.
type AgentStatus string

const (
	StatusSuccess AgentStatus = "success"
	StatusFailed  AgentStatus = "failed"
	StatusTimeout AgentStatus = "timeout"
)

// AgentResult is the outcome of one item's full agent_template run
// (spec.md's "AgentResult").
type AgentResult struct {
	ItemID     string
	Status     AgentStatus
	Reason     string
	Output     interface{}
	Commits    []string
	Duration   time.Duration
	WorktreeID string
	LogRef     string
}

// FailedAttempt records an item's failed attempts so far (their count and
// the most recent failure's detail), stored in JobState.Failed by item ID.
type FailedAttempt struct {
	Attempts    int
	LastError   string
	LastAttempt time.Time
	WorktreeID  string
}

// ReducePhaseStatus is ReducePhaseState's discriminant.
type ReducePhaseStatus string

const (
	ReduceNotStarted ReducePhaseStatus = "not_started"
	ReduceRunning    ReducePhaseStatus = "running"
	ReduceCompleted  ReducePhaseStatus = "completed"
	ReduceFailed     ReducePhaseStatus = "failed"
)

// ReducePhaseState is the reduce_phase_state field of MapReduceJobState.
type ReducePhaseState struct {
	Status      ReducePhaseStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Output      interface{}
	Err         string
}

func (r ReducePhaseState) Terminal() bool {
	return r.Status == ReduceCompleted || r.Status == ReduceFailed
}

// JobConfig is the subset of workflow.MapConfig a JobState persists verbatim
// alongside job progress, so a resumed run reconstructs the exact same
// scheduling parameters without re-reading the workflow file.
type JobConfig struct {
	MaxParallel       int
	RetryOnFailure    int
	ContinueOnFailure bool
	AgentTimeout      time.Duration
	BatchSize         int
}

// JobState is the full checkpoint payload (spec.md's "MapReduceJobState"),
// invariants I1-I6 maintained by JobScheduler.
type JobState struct {
	JobID     string
	Config    JobConfig
	StartedAt time.Time
	UpdatedAt time.Time

	CheckpointVersion       int64
	CheckpointFormatVersion int

	WorkItems []WorkItem

	AgentResults map[string]AgentResult
	Completed    map[string]bool
	Failed       map[string]FailedAttempt
	Pending      []string

	ReducePhase ReducePhaseState

	TotalCount      int
	SuccessfulCount int
	FailedCount     int
	IsComplete      bool

	AgentTemplate []step.Step
	ReduceSteps   []step.Step

	ParentWorktree string
}

// WorkItem mirrors datapipeline.WorkItem's shape without importing the
// datapipeline package, so JobState can be constructed directly from a
// pre-selected item list at resume time as well as from a fresh pipeline run.
type WorkItem struct {
	ItemID string
	Value  interface{}
}

// NewJobState seeds a fresh JobState from a MapConfig and its selected work
// items, all items starting Pending (invariant I1).
func NewJobState(jobID string, mc *workflow.MapConfig, items []WorkItem) *JobState {
	pending := make([]string, len(items))
	for i, it := range items {
		pending[i] = it.ItemID
	}
	now := time.Now().UTC()
	return &JobState{
		JobID:                   jobID,
		Config:                  jobConfigFrom(mc),
		StartedAt:               now,
		UpdatedAt:               now,
		CheckpointFormatVersion: CurrentCheckpointFormatVersion,
		WorkItems:               items,
		AgentResults:            make(map[string]AgentResult),
		Completed:               make(map[string]bool),
		Failed:                  make(map[string]FailedAttempt),
		Pending:                 pending,
		ReducePhase:             ReducePhaseState{Status: ReduceNotStarted},
		TotalCount:              len(items),
		AgentTemplate:           mc.AgentTemplate,
	}
}

// CurrentCheckpointFormatVersion is the checkpoint schema version this
// build writes; internal/checkpoint migrates older payloads up to it.
const CurrentCheckpointFormatVersion = 1

func jobConfigFrom(mc *workflow.MapConfig) JobConfig {
	cfg := JobConfig{
		MaxParallel:       mc.MaxParallel,
		RetryOnFailure:    mc.RetryOnFailure,
		ContinueOnFailure: mc.ContinueOnFailure,
		AgentTimeout:      mc.AgentTimeout,
		BatchSize:         mc.BatchSize,
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	return cfg
}

// Recompute derives TotalCount/SuccessfulCount/FailedCount/IsComplete from
// the current Completed/Failed/AgentResults membership, enforcing
// invariants I3/I6 after every mutation.
func (s *JobState) Recompute() {
	s.SuccessfulCount = 0
	s.FailedCount = 0
	for id := range s.Completed {
		if res, ok := s.AgentResults[id]; ok && res.Status == StatusSuccess {
			s.SuccessfulCount++
		} else {
			s.FailedCount++
		}
	}
	mapDone := len(s.Completed) == len(s.WorkItems)
	s.IsComplete = mapDone && (len(s.ReduceSteps) == 0 || s.ReducePhase.Terminal())
}

// SuccessRate reports the percentage of completed items that succeeded:
// 100*(total-failure_count)/total, with a failure_count=0 baseline when
// nothing has completed yet (divide-by-zero guard).
func (s *JobState) SuccessRate() float64 {
	total := len(s.Completed)
	if total == 0 {
		return 100
	}
	return 100 * float64(total-s.FailedCount) / float64(total)
}
