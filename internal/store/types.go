package store

import (
	"errors"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of one run.
type RunStatus string

const (
	StatusRunning     RunStatus = "running"
	StatusSuccess     RunStatus = "success"
	StatusFailed      RunStatus = "failed"
	StatusTimeout     RunStatus = "timeout"
	StatusCancelled   RunStatus = "cancelled"
	StatusSkipped     RunStatus = "skipped"
	StatusRetrying    RunStatus = "retrying"
	StatusInterrupted RunStatus = "interrupted"
)

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	return s != StatusRunning && s != ""
}

// Failure reports whether the status counts against the agent's health.
func (s RunStatus) Failure() bool {
	switch s {
	case StatusFailed, StatusTimeout, StatusInterrupted, StatusRetrying:
		return true
	}
	return false
}

// TriggerKind records why a run started.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
	TriggerRetry     TriggerKind = "retry"
	TriggerCatchUp   TriggerKind = "catch_up"
	TriggerEvent     TriggerKind = "event"
	TriggerPipeline  TriggerKind = "pipeline"
)

// VerdictKind is an analyzer's judgment of another run.
type VerdictKind string

const (
	VerdictComplete VerdictKind = "complete"
	VerdictFollowup VerdictKind = "followup"
	VerdictRevision VerdictKind = "revision"
	VerdictFailed   VerdictKind = "failed"
)

// Valid reports whether k is a known verdict.
func (k VerdictKind) Valid() bool {
	switch k {
	case VerdictComplete, VerdictFollowup, VerdictRevision, VerdictFailed:
		return true
	}
	return false
}

// Verdict is the structured result of an analyzer run.
type Verdict struct {
	Kind           VerdictKind `json:"verdict"`
	Reason         string      `json:"reason,omitempty"`
	FollowupPrompt string      `json:"followup_prompt,omitempty"`
	Findings       []string    `json:"findings,omitempty"`
}

// RunLog is the persisted record of one run, runs/<date>/<run_id>.json.
type RunLog struct {
	RunID       string      `json:"run_id"`
	AgentName   string      `json:"agent_name"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at"`
	Status      RunStatus   `json:"status"`
	DurationMS  int64       `json:"duration_ms"`
	ExitCode    *int        `json:"exit_code,omitempty"`
	OutputFile  string      `json:"output_file,omitempty"`
	Error       string      `json:"error,omitempty"`
	Attempt     int         `json:"attempt"`
	Trigger     TriggerKind `json:"trigger"`

	SessionName    string   `json:"session_name,omitempty"`
	RunDir         string   `json:"run_dir,omitempty"`
	ResumeToken    string   `json:"resume_token,omitempty"`
	TotalCostUSD   float64  `json:"total_cost_usd,omitempty"`
	WorktreePath   string   `json:"worktree_path,omitempty"`
	WorktreeBranch string   `json:"worktree_branch,omitempty"`
	BaseCommit     string   `json:"base_commit,omitempty"`
	Label          string   `json:"label,omitempty"`
	Verdict        *Verdict `json:"analyzer_verdict,omitempty"`
	PipelineID     string   `json:"pipeline_id,omitempty"`
	ParentRunID    string   `json:"parent_run_id,omitempty"`
	Prompt         string   `json:"prompt,omitempty"`

	// RetryAt is when a retrying run's next attempt is due; RetryRunID is
	// that attempt once it has started.
	RetryAt    *time.Time `json:"retry_at,omitempty"`
	RetryRunID string     `json:"retry_run_id,omitempty"`
}

// ErrInvalidRun is returned when a record breaks the completed_at/status rule.
var ErrInvalidRun = errors.New("invalid run record")

// AwaitingRetry reports whether the run failed and its next attempt has not
// started yet.
func (r *RunLog) AwaitingRetry() bool {
	return r.Status == StatusRetrying && r.RetryRunID == ""
}

// Running reports whether the run has not been finalized.
func (r *RunLog) Running() bool {
	return r.CompletedAt == nil
}

// Complete finalizes the run with status at time end.
func (r *RunLog) Complete(status RunStatus, end time.Time) {
	if status == StatusRunning {
		status = StatusInterrupted
	}
	end = end.UTC()
	r.CompletedAt = &end
	r.Status = status
	r.DurationMS = end.Sub(r.StartedAt).Milliseconds()
	if r.DurationMS < 0 {
		r.DurationMS = 0
	}
}

// Validate enforces: CompletedAt is nil exactly when Status is running.
func (r *RunLog) Validate() error {
	if r.RunID == "" || r.AgentName == "" {
		return fmt.Errorf("%w: missing run id or agent", ErrInvalidRun)
	}
	if (r.CompletedAt == nil) != (r.Status == StatusRunning) {
		return fmt.Errorf("%w: run %s status %q with completed_at set=%v", ErrInvalidRun, r.RunID, r.Status, r.CompletedAt != nil)
	}
	return nil
}

// Clone returns a deep copy.
func (r *RunLog) Clone() *RunLog {
	c := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.RetryAt != nil {
		t := *r.RetryAt
		c.RetryAt = &t
	}
	if r.ExitCode != nil {
		e := *r.ExitCode
		c.ExitCode = &e
	}
	if r.Verdict != nil {
		v := *r.Verdict
		v.Findings = append([]string(nil), r.Verdict.Findings...)
		c.Verdict = &v
	}
	return &c
}

// AgentState is the rolling per-agent summary kept in state/agents.json.
type AgentState struct {
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastStatus          RunStatus  `json:"last_status,omitempty"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalRuns           int        `json:"total_runs"`
	TotalSuccesses      int        `json:"total_successes"`
	TotalFailures       int        `json:"total_failures"`
	TotalCostUSD        float64    `json:"total_cost_usd"`
}
