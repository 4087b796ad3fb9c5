package checkpoint

import (
	"sort"
	"time"

	"conductor/internal/mapreduce"
	"conductor/internal/step"
)

// payload is the on-disk checkpoint-v<N>.json shape (spec.md §6.2). It is
// kept distinct from mapreduce.JobState so that package's in-memory shape
// (maps keyed by item_id, a boolean Completed set) can evolve independently
// of the wire schema's arrays-and-snake_case conventions.
type payload struct {
	JobID                   string          `json:"job_id"`
	CheckpointVersion       int64           `json:"checkpoint_version"`
	CheckpointFormatVersion int             `json:"checkpoint_format_version"`
	StartedAt               time.Time       `json:"started_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
	Config                  configPayload   `json:"config"`
	WorkItems               []workItemDTO   `json:"work_items"`
	AgentResults            map[string]agentResultDTO   `json:"agent_results"`
	CompletedAgents         []string                    `json:"completed_agents"`
	FailedAgents            map[string]failedAttemptDTO `json:"failed_agents"`
	PendingItems            []string                    `json:"pending_items"`
	ReducePhaseState        *reducePhaseDTO             `json:"reduce_phase_state"`
	TotalItems              int             `json:"total_items"`
	SuccessfulCount         int             `json:"successful_count"`
	FailedCount             int             `json:"failed_count"`
	IsComplete              bool            `json:"is_complete"`
	AgentTemplate           []step.Step     `json:"agent_template"`
	ReduceCommands          []step.Step     `json:"reduce_commands,omitempty"`
	ParentWorktree          string          `json:"parent_worktree,omitempty"`
}

type configPayload struct {
	MaxParallel       int           `json:"max_parallel"`
	RetryOnFailure    int           `json:"retry_on_failure"`
	ContinueOnFailure bool          `json:"continue_on_failure"`
	AgentTimeout      time.Duration `json:"agent_timeout"`
	BatchSize         int           `json:"batch_size"`
}

type workItemDTO struct {
	ItemID string      `json:"item_id"`
	Value  interface{} `json:"value"`
}

type agentResultDTO struct {
	ItemID     string        `json:"item_id"`
	Status     string        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Output     interface{}   `json:"output,omitempty"`
	Commits    []string      `json:"commits,omitempty"`
	Duration   time.Duration `json:"duration"`
	WorktreeID string        `json:"worktree_id,omitempty"`
	LogRef     string        `json:"log_ref,omitempty"`
}

type failedAttemptDTO struct {
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	LastAttempt time.Time `json:"last_attempt"`
	WorktreeID  string    `json:"worktree_id,omitempty"`
}

type reducePhaseDTO struct {
	Status      string      `json:"status"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
	Output      interface{} `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
}

func toPayload(s *mapreduce.JobState) payload {
	p := payload{
		JobID:                   s.JobID,
		CheckpointVersion:       s.CheckpointVersion,
		CheckpointFormatVersion: s.CheckpointFormatVersion,
		StartedAt:               s.StartedAt,
		UpdatedAt:               s.UpdatedAt,
		Config: configPayload{
			MaxParallel:       s.Config.MaxParallel,
			RetryOnFailure:    s.Config.RetryOnFailure,
			ContinueOnFailure: s.Config.ContinueOnFailure,
			AgentTimeout:      s.Config.AgentTimeout,
			BatchSize:         s.Config.BatchSize,
		},
		PendingItems:    append([]string{}, s.Pending...),
		TotalItems:      s.TotalCount,
		SuccessfulCount: s.SuccessfulCount,
		FailedCount:     s.FailedCount,
		IsComplete:      s.IsComplete,
		AgentTemplate:   s.AgentTemplate,
		ReduceCommands:  s.ReduceSteps,
		ParentWorktree:  s.ParentWorktree,
	}

	p.WorkItems = make([]workItemDTO, len(s.WorkItems))
	for i, wi := range s.WorkItems {
		p.WorkItems[i] = workItemDTO{ItemID: wi.ItemID, Value: wi.Value}
	}

	p.AgentResults = make(map[string]agentResultDTO, len(s.AgentResults))
	for id, r := range s.AgentResults {
		p.AgentResults[id] = agentResultDTO{
			ItemID:     r.ItemID,
			Status:     string(r.Status),
			Reason:     r.Reason,
			Output:     r.Output,
			Commits:    r.Commits,
			Duration:   r.Duration,
			WorktreeID: r.WorktreeID,
			LogRef:     r.LogRef,
		}
	}

	p.CompletedAgents = make([]string, 0, len(s.Completed))
	for id, done := range s.Completed {
		if done {
			p.CompletedAgents = append(p.CompletedAgents, id)
		}
	}
	sort.Strings(p.CompletedAgents)

	p.FailedAgents = make(map[string]failedAttemptDTO, len(s.Failed))
	for id, fa := range s.Failed {
		p.FailedAgents[id] = failedAttemptDTO{
			Attempts:    fa.Attempts,
			LastError:   fa.LastError,
			LastAttempt: fa.LastAttempt,
			WorktreeID:  fa.WorktreeID,
		}
	}

	if len(s.ReduceSteps) > 0 {
		p.ReducePhaseState = &reducePhaseDTO{
			Status:      string(s.ReducePhase.Status),
			StartedAt:   s.ReducePhase.StartedAt,
			CompletedAt: s.ReducePhase.CompletedAt,
			Output:      s.ReducePhase.Output,
			Error:       s.ReducePhase.Err,
		}
	}

	return p
}

func fromPayload(p payload) *mapreduce.JobState {
	s := &mapreduce.JobState{
		JobID:                   p.JobID,
		CheckpointVersion:       p.CheckpointVersion,
		CheckpointFormatVersion: p.CheckpointFormatVersion,
		StartedAt:               p.StartedAt,
		UpdatedAt:               p.UpdatedAt,
		Config: mapreduce.JobConfig{
			MaxParallel:       p.Config.MaxParallel,
			RetryOnFailure:    p.Config.RetryOnFailure,
			ContinueOnFailure: p.Config.ContinueOnFailure,
			AgentTimeout:      p.Config.AgentTimeout,
			BatchSize:         p.Config.BatchSize,
		},
		Pending:         append([]string{}, p.PendingItems...),
		TotalCount:      p.TotalItems,
		SuccessfulCount: p.SuccessfulCount,
		FailedCount:     p.FailedCount,
		IsComplete:      p.IsComplete,
		AgentTemplate:   p.AgentTemplate,
		ReduceSteps:     p.ReduceCommands,
		ParentWorktree:  p.ParentWorktree,
	}

	s.WorkItems = make([]mapreduce.WorkItem, len(p.WorkItems))
	for i, wi := range p.WorkItems {
		s.WorkItems[i] = mapreduce.WorkItem{ItemID: wi.ItemID, Value: wi.Value}
	}

	s.AgentResults = make(map[string]mapreduce.AgentResult, len(p.AgentResults))
	for id, r := range p.AgentResults {
		s.AgentResults[id] = mapreduce.AgentResult{
			ItemID:     r.ItemID,
			Status:     mapreduce.AgentStatus(r.Status),
			Reason:     r.Reason,
			Output:     r.Output,
			Commits:    r.Commits,
			Duration:   r.Duration,
			WorktreeID: r.WorktreeID,
			LogRef:     r.LogRef,
		}
	}

	s.Completed = make(map[string]bool, len(p.CompletedAgents))
	for _, id := range p.CompletedAgents {
		s.Completed[id] = true
	}

	s.Failed = make(map[string]mapreduce.FailedAttempt, len(p.FailedAgents))
	for id, fa := range p.FailedAgents {
		s.Failed[id] = mapreduce.FailedAttempt{
			Attempts:    fa.Attempts,
			LastError:   fa.LastError,
			LastAttempt: fa.LastAttempt,
			WorktreeID:  fa.WorktreeID,
		}
	}

	if p.ReducePhaseState != nil {
		s.ReducePhase = mapreduce.ReducePhaseState{
			Status:      mapreduce.ReducePhaseStatus(p.ReducePhaseState.Status),
			StartedAt:   p.ReducePhaseState.StartedAt,
			CompletedAt: p.ReducePhaseState.CompletedAt,
			Output:      p.ReducePhaseState.Output,
			Err:         p.ReducePhaseState.Error,
		}
	} else {
		s.ReducePhase = mapreduce.ReducePhaseState{Status: mapreduce.ReduceNotStarted}
	}

	return s
}
